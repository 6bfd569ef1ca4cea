package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

// Counter names reported by the runtime report.
const (
	CounterFrames          = "frames"
	CounterItems           = "items"
	CounterDecodeErrors    = "decode_errors"
	CounterDroppedItems    = "dropped_items"
	CounterEventsSent      = "events_sent"
	CounterSinkFailures    = "sink_failures"
	CounterReconcileRuns   = "reconcile_runs"
	CounterReconcileErrors = "reconcile_errors"
	CounterReconnects      = "reconnects"
)

var (
	warns    sync.Map // component -> *int64
	errs     sync.Map // component -> *int64
	counters sync.Map // name -> *int64
	channels sync.Map // map[string]*channelStat
)

func bump(m *sync.Map, key string, n int64) {
	v, ok := m.Load(key)
	if !ok {
		v, _ = m.LoadOrStore(key, new(int64))
	}
	atomic.AddInt64(v.(*int64), n)
}

func recordWarn(component string)  { bump(&warns, component, 1) }
func recordError(component string) { bump(&errs, component, 1) }

// Increment adds one to a named counter.
func Increment(name string) {
	bump(&counters, name, 1)
}

// Add adds n to a named counter.
func Add(name string, n int) {
	bump(&counters, name, int64(n))
}

// Counter returns the current value of a named counter.
func Counter(name string) int64 {
	if v, ok := counters.Load(name); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

// RecordChannelMessage tracks traffic on a named channel (per-broker stream,
// ingest sink, archive upload).
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func snapshotMap(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsed := uint64(0)
	if memStats != nil {
		memUsed = memStats.Used
	}
	bytesSent, bytesRecv := uint64(0), uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	counterData := snapshotMap(&counters)
	log.WithComponent("report").WithFields(Fields{
		"counters":       counterData,
		"warns":          snapshotMap(&warns),
		"errors":         snapshotMap(&errs),
		"channels":       channelData,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}
	for name, value := range counterData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("Pipeline"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Counter"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(value)),
		})
	}
	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
