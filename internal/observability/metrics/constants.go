// Package metrics provides constants used across metric definitions.
package metrics

// Label value constants used for metric labels.
const (
	// StatusSuccess marks a completed operation.
	StatusSuccess = "success"
	// StatusError marks a failed operation.
	StatusError = "error"
	// ResultCompressed labels photos that were recompressed.
	ResultCompressed = "compressed"
	// ResultFallback labels photos uploaded with their original bytes.
	ResultFallback = "fallback"
	// PassCompleted labels queue passes that ran.
	PassCompleted = "completed"
	// PassOffline labels passes skipped because the server was unreachable.
	PassOffline = "offline"
	// PassAlreadyRunning labels passes skipped by the re-entrancy guard.
	PassAlreadyRunning = "already_running"
	// PassSignedOut labels passes skipped because nobody is signed in.
	PassSignedOut = "signed_out"
)

// Histogram bucket configuration constants.
// These define the base values and factors for exponential bucket generation.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketStart1KB is the starting bucket for 1KB histograms (1KB to ~1GB range).
	BucketStart1KB = 1024.0

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2
	// BucketFactor4 is the exponential growth factor for byte size histograms.
	BucketFactor4 = 4

	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)
