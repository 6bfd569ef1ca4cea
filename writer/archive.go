package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "brokerstream/config"
	"brokerstream/logger"
	"brokerstream/models"
)

type eventParquetRecord struct {
	Broker    string `parquet:"name=broker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type      string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	DealID    string `parquet:"name=deal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Epic      string `parquet:"name=epic, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type eventBatch struct {
	Broker    string
	Type      string
	Entries   []models.EventRecord
	Timestamp time.Time
	Reason    string
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// objectPutter is the part of the S3 client the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter batches tapped events per broker and type and uploads them
// to S3 as parquet files. It is an audit export and is never read back.
type ArchiveWriter struct {
	cfg     appconfig.ArchiveConfig
	version string
	events  <-chan models.EventRecord
	s3      objectPutter

	ctx     context.Context
	cancel  context.CancelFunc
	feeders *sync.WaitGroup
	wg      *sync.WaitGroup
	log     *logger.Log

	mu          sync.Mutex
	buffer      map[string][]models.EventRecord
	flushTicker *time.Ticker
	maxBuffer   int
	jobCh       chan eventBatch
	running     bool
}

// NewArchiveWriter builds the S3 client from the archive settings.
func NewArchiveWriter(cfg *appconfig.Config, events <-chan models.EventRecord) (*ArchiveWriter, error) {
	if !cfg.Archive.Enabled {
		return nil, fmt.Errorf("archive disabled")
	}
	if events == nil {
		return nil, fmt.Errorf("nil event channel provided")
	}
	s3cfg := cfg.Archive.S3

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})
	return newArchiveWriter(cfg.Archive, cfg.Brokerstream.Version, events, client), nil
}

func newArchiveWriter(cfg appconfig.ArchiveConfig, version string, events <-chan models.EventRecord, client objectPutter) *ArchiveWriter {
	maxBuffer := cfg.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = 512
	}
	jobCapacity := maxBuffer * 2
	if jobCapacity < 128 {
		jobCapacity = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &ArchiveWriter{
		cfg:       cfg,
		version:   version,
		events:    events,
		s3:        client,
		feeders:   &sync.WaitGroup{},
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		buffer:    make(map[string][]models.EventRecord),
		maxBuffer: maxBuffer,
		jobCh:     make(chan eventBatch, jobCapacity),
	}
}

// Start begins consuming the event tap.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.buffer = make(map[string][]models.EventRecord)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flush_interval": w.cfg.FlushInterval.String(),
		"max_buffer":     w.maxBuffer,
		"bucket":         w.cfg.S3.Bucket,
	}).Info("starting event archive writer")

	w.feeders.Add(2)
	go w.ingest()
	go w.flushLoop()

	workers := w.cfg.MaxWorkers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.uploadWorker()
	}
	return nil
}

// Stop flushes what is buffered, uploads it and waits for the workers.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	ticker := w.flushTicker
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	w.cancel()
	w.feeders.Wait()
	w.flushBuffers("shutdown")
	close(w.jobCh)
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("event archive writer stopped")
}

func (w *ArchiveWriter) ingest() {
	defer w.feeders.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case rec, ok := <-w.events:
			if !ok {
				return
			}
			w.addRecord(rec)
		}
	}
}

// drain buffers whatever is already queued on the tap so the shutdown flush
// includes it.
func (w *ArchiveWriter) drain() {
	for {
		select {
		case rec, ok := <-w.events:
			if !ok {
				return
			}
			w.addRecord(rec)
		default:
			return
		}
	}
}

func (w *ArchiveWriter) flushLoop() {
	defer w.feeders.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *ArchiveWriter) uploadWorker() {
	defer w.wg.Done()
	for batch := range w.jobCh {
		w.processBatch(batch)
	}
}

func (w *ArchiveWriter) addRecord(rec models.EventRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	key := bufferKey(rec.Broker, rec.Type)

	var flush []models.EventRecord
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], rec)
	if len(w.buffer[key]) >= w.maxBuffer {
		flush = w.buffer[key]
		delete(w.buffer, key)
	}
	w.mu.Unlock()

	if len(flush) > 0 {
		w.enqueue(key, flush, "max_buffer")
	}
}

func (w *ArchiveWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.EventRecord)
	w.mu.Unlock()

	for key, entries := range buffers {
		if len(entries) > 0 {
			w.enqueue(key, entries, reason)
		}
	}
}

// enqueue blocks while the upload queue is full; on shutdown the queue is
// drained by the workers so the final flush is not lost.
func (w *ArchiveWriter) enqueue(key string, entries []models.EventRecord, reason string) {
	broker, kind, _ := strings.Cut(key, "|")
	w.jobCh <- eventBatch{
		Broker:    broker,
		Type:      kind,
		Entries:   entries,
		Timestamp: entries[len(entries)-1].Timestamp,
		Reason:    reason,
	}
}

func bufferKey(broker, kind string) string {
	if kind == "" {
		kind = "raw"
	}
	return strings.ToLower(broker) + "|" + strings.ToLower(kind)
}

func (w *ArchiveWriter) processBatch(batch eventBatch) {
	entryLog := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"broker":       batch.Broker,
		"type":         batch.Type,
		"record_count": len(batch.Entries),
		"reason":       batch.Reason,
	})

	key := archiveKey(w.cfg.Prefix, batch)
	data, err := w.createParquet(batch)
	if err != nil {
		entryLog.WithError(err).Error("failed to create archive parquet")
		return
	}
	if err := w.upload(key, data); err != nil {
		entryLog.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload archive parquet")
		return
	}
	logger.RecordChannelMessage("archive", len(data))
	entryLog.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("archive batch uploaded")
}

func (w *ArchiveWriter) createParquet(batch eventBatch) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(eventParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(w.cfg.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, e := range batch.Entries {
		rec := eventParquetRecord{
			Broker:    e.Broker,
			Type:      e.Type,
			DealID:    e.DealID,
			Epic:      e.Epic,
			Timestamp: e.Timestamp.UnixMilli(),
			Payload:   string(e.Payload),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write archive record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize archive parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func archiveKey(prefix string, batch eventBatch) string {
	broker := strings.ToLower(batch.Broker)
	filename := fmt.Sprintf("%s_%s.parquet", broker, time.Now().UTC().Format("20060102150405")+uuid.NewString())
	key := filepath.Join(
		prefix,
		fmt.Sprintf("broker=%s", broker),
		fmt.Sprintf("type=%s", batch.Type),
		fmt.Sprintf("date=%s", batch.Timestamp.UTC().Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(key)
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":         "parquet",
			"compression":          w.cfg.Compression,
			"brokerstream-version": w.version,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := w.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload archive parquet: %w", err)
	}
	return nil
}
