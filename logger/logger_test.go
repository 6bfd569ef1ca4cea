package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "brokerstream.log")
	log := Logger()
	if err := log.Configure("report", "text", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithBroker("stream", "ig").Info("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "broker=ig") || !strings.Contains(string(data), "hello") {
		t.Fatalf("unexpected log output: %s", data)
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestCounters(t *testing.T) {
	before := Counter("test_counter")
	Increment("test_counter")
	Add("test_counter", 2)
	if got := Counter("test_counter") - before; got != 3 {
		t.Fatalf("unexpected counter delta: %d", got)
	}
	if Counter("never_touched") != 0 {
		t.Fatalf("unknown counter should be zero")
	}
}

func TestWithBroker(t *testing.T) {
	entry := Logger().WithBroker("stream", "saxo")
	if entry.Entry.Data["broker"] != "saxo" || entry.Entry.Data["component"] != "stream" {
		t.Fatalf("unexpected fields: %v", entry.Entry.Data)
	}
}

type fakeMetrics struct {
	mu         sync.Mutex
	datums     int
	calls      int
	dashboards []string
}

func (f *fakeMetrics) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.datums += len(in.MetricData)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeMetrics) PutDashboard(_ context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dashboards = append(f.dashboards, *in.DashboardBody)
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestPublishMetricsBatches(t *testing.T) {
	fake := &fakeMetrics{}
	state := useCloudWatch(fake, "Test", "")
	defer cwState.Store(nil)

	data := make([]cwtypes.MetricDatum, 1500)
	for i := range data {
		data[i] = cwtypes.MetricDatum{MetricName: aws.String("m"), Value: aws.Float64(1)}
	}
	publishMetrics(context.Background(), data)
	if fake.calls != 2 || fake.datums != 1500 {
		t.Fatalf("expected 2 calls with 1500 datums, got %d and %d", fake.calls, fake.datums)
	}

	createDashboard(context.Background(), state)
	if len(fake.dashboards) != 1 || !strings.Contains(fake.dashboards[0], `"events_sent"`) || !strings.Contains(fake.dashboards[0], `"Test"`) {
		t.Fatalf("unexpected dashboard: %v", fake.dashboards)
	}
}
