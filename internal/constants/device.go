package constants

// Streaming quality levels.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

// Frame rates paired with each quality level.
const (
	FrameRateLow    = 5
	FrameRateMedium = 15
	FrameRateHigh   = 30
)

// Thresholds for adaptive streaming quality.
const (
	// Above either of these the stream drops to low quality.
	LowQualityErrorRate = 0.10
	LowQualityLatencyMs = 200.0

	// Below both of these the stream rises to high quality.
	HighQualityErrorRate = 0.05
	HighQualityLatencyMs = 50.0
)

// LatencySampleWindow is the number of latency samples kept per device.
const LatencySampleWindow = 100

// Network quality buckets by average latency in milliseconds.
const (
	NetworkQualityExcellent = "excellent"
	NetworkQualityGood      = "good"
	NetworkQualityFair      = "fair"
	NetworkQualityPoor      = "poor"
	NetworkQualityUnknown   = "unknown"

	ExcellentLatencyMs = 50.0
	GoodLatencyMs      = 100.0
	FairLatencyMs      = 200.0
)
