package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const perfMetricsPrefix = "perf_metrics_"

// savePerfMetrics writes the perf summary of one loop into PerfOutputDir and
// returns the file path. The document is diagnostic only and never read back.
func (r *Runner) savePerfMetrics(stats LoopStats) (string, error) {
	p := r.params
	if err := os.MkdirAll(p.PerfOutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create perf output dir: %w", err)
	}
	batchSize := float64(p.BatchSize)

	derived := orderedmap.New[string, int64]()
	dims := make([]string, 0, len(p.MappedDimensions))
	for name := range p.MappedDimensions {
		dims = append(dims, name)
	}
	sort.Strings(dims)
	seqLen := int64(0)
	for _, name := range dims {
		derived.Set(name, p.MappedDimensions[name])
		if name == "SeqLen" {
			seqLen = p.MappedDimensions[name]
		}
	}

	avg := 0.0
	if stats.Batches > 0 {
		avg = float64(stats.TotalTime.Milliseconds()) / float64(stats.Batches)
	}
	optimizer := strings.TrimSuffix(p.OptimizerName, "Optimizer")
	modelName, _ := modelBaseName(p.ModelPath)
	display := displayName(modelName, p.ModelType, p.UseMixedPrecision, seqLen, optimizer)

	runConfig := orderedmap.New[string, any]()
	runConfig.Set("LearningRate", p.LR.InitialLR)
	runConfig.Set("WarmupRatio", p.LR.WarmupRatio)
	runConfig.Set("WarmupMode", string(p.LR.WarmupMode))
	runConfig.Set("TrainSteps", p.NumTrainSteps)
	runConfig.Set("ModelPath", p.ModelPath)
	runConfig.Set("TrainDataDir", p.TrainDataDir)
	runConfig.Set("TestDataDir", p.TestDataDir)
	runConfigRaw, err := json.Marshal(runConfig)
	if err != nil {
		return "", fmt.Errorf("failed to encode run config: %w", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host := orderedmap.New[string, any]()
	host.Set("CPU", strings.TrimSpace(cpuid.CPU.BrandName))
	host.Set("Vendor", cpuid.CPU.VendorString)
	host.Set("PhysicalCores", cpuid.CPU.PhysicalCores)
	host.Set("LogicalCores", cpuid.CPU.LogicalCores)

	doc := orderedmap.New[string, any]()
	doc.Set("Model", p.ModelType)
	doc.Set("DerivedProperties", derived)
	doc.Set("Round", r.state.Round)
	doc.Set("BatchSize", p.BatchSize)
	doc.Set("NumOfBatches", stats.Batches)
	doc.Set("GradAccSteps", stats.GradAccSteps)
	doc.Set("WeightUpdateSteps", stats.WeightUpdateSteps)
	doc.Set("TotalTime", stats.TotalTime.Seconds())
	doc.Set("AvgTimePerBatch", avg)
	doc.Set("Throughput", stats.throughput(batchSize))
	doc.Set("StabilizedThroughput", stats.stabilizedThroughput(batchSize))
	doc.Set("EndToEndThroughput", stats.endToEndThroughput(batchSize))
	doc.Set("UseMixedPrecision", p.UseMixedPrecision)
	doc.Set("Optimizer", optimizer)
	doc.Set("ModelName", modelName)
	doc.Set("DisplayName", display)
	doc.Set("Memory", mem.Sys>>20)
	doc.Set("Host", host)
	doc.Set("RunConfig", string(runConfigRaw))
	doc.Set("Timestamp", time.Now().UTC().Format(time.RFC3339))

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode perf metrics: %w", err)
	}
	path := filepath.Join(p.PerfOutputDir, perfMetricsPrefix+display+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write perf metrics: %w", err)
	}
	r.log.V(1).Info("perf metrics", "memory", humanize.IBytes(mem.Sys), "displayName", display)
	return path, nil
}

func displayName(model, modelType string, mixedPrecision bool, seqLen int64, optimizer string) string {
	precision := "fp32"
	if mixedPrecision {
		precision = "fp16"
	}
	parts := []string{model, modelType, precision}
	if seqLen > 0 {
		parts = append(parts, fmt.Sprint(seqLen))
	}
	parts = append(parts, optimizer)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return sanitizeName(strings.Join(out, "_"))
}

// modelBaseName splits the last path element of a model path into its name
// and extension.
func modelBaseName(path string) (string, string) {
	leaf := filepath.Base(strings.TrimSpace(path))
	ext := filepath.Ext(leaf)
	return sanitizeName(strings.TrimSuffix(leaf, ext)), ext
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', ' ':
			return '_'
		}
		return r
	}, s)
}
