package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricsAPI is the part of the CloudWatch client the logger uses.
type metricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudWatchState struct {
	client    metricsAPI
	namespace string
	dashboard string
}

// nil until InitCloudWatch succeeds; publishing is a no-op before that
var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch enables metric publishing. An empty region falls back to
// AWS_REGION. When the AWS configuration cannot be loaded a warning is logged
// and publishing stays disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := useCloudWatch(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	log.WithFields(Fields{"region": region, "namespace": state.namespace}).Info("initialized CloudWatch client")
	createDashboard(ctx, state)
}

func useCloudWatch(client metricsAPI, namespace, dashboard string) *cloudWatchState {
	state := &cloudWatchState{client: client, namespace: "Brokerstream", dashboard: "Brokerstream"}
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboard = dashboard
	}
	cwState.Store(state)
	return state
}

// publishMetrics sends data when CloudWatch is enabled. CloudWatch accepts at
// most 1000 datums per call, so larger reports are split.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := cwState.Load()
	if state == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	const maxDatums = 1000
	for start := 0; start < len(data); start += maxDatums {
		end := start + maxDatums
		if end > len(data) {
			end = len(data)
		}
		if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(state.namespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithFields(Fields{"metrics": strings.Join(names, ","), "count": len(data)}).Debug("published metrics to CloudWatch")
}

type dashboardWidget struct {
	Type       string         `json:"type"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Properties map[string]any `json:"properties"`
}

// dashboardBody lays out one widget for the pipeline counters and one for
// the process itself.
func dashboardBody(namespace string) ([]byte, error) {
	counters := []string{CounterEventsSent, CounterSinkFailures, CounterReconnects, CounterReconcileErrors, CounterDecodeErrors}
	pipeline := make([][]string, 0, len(counters))
	for _, c := range counters {
		pipeline = append(pipeline, []string{namespace, "Pipeline", "Counter", c})
	}
	widgets := []dashboardWidget{
		{Type: "metric", Width: 24, Height: 6, Properties: map[string]any{
			"metrics": pipeline,
			"period":  60,
			"stat":    "Maximum",
			"title":   "Brokerstream pipeline",
		}},
		{Type: "metric", Width: 24, Height: 6, Properties: map[string]any{
			"metrics": [][]string{{namespace, "CPUPercent"}, {namespace, "MemoryMB"}, {namespace, "Goroutines"}},
			"period":  60,
			"stat":    "Average",
			"title":   "Brokerstream process",
		}},
	}
	return json.Marshal(map[string]any{"widgets": widgets})
}

func createDashboard(ctx context.Context, state *cloudWatchState) {
	body, err := dashboardBody(state.namespace)
	if err != nil {
		return
	}
	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
