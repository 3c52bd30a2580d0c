package config

import (
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte("ingest_batch_size: 25\nsync_cooldown: 5s\n")
	opts, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.IngestBatchSize != 25 {
		t.Errorf("IngestBatchSize = %d, want 25", opts.IngestBatchSize)
	}
	if opts.SyncCooldown != 5*time.Second {
		t.Errorf("SyncCooldown = %v, want 5s", opts.SyncCooldown)
	}
	if opts.FetchConcurrency != Default().FetchConcurrency {
		t.Errorf("FetchConcurrency = %d, want default %d", opts.FetchConcurrency, Default().FetchConcurrency)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("ingest_batch_size: [nope")); err == nil {
		t.Error("Parse of malformed YAML succeeded, want error")
	}
}

func TestNormalizedWaterMarks(t *testing.T) {
	opts, err := Parse([]byte("pending_high_water: 100\npending_low_water: 900\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.PendingLowWater != 50 {
		t.Errorf("PendingLowWater = %d, want 50 (half of high water)", opts.PendingLowWater)
	}
}
