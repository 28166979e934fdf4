package database

import (
	"testing"
	"time"
)

func TestEngineSettingsDurations(t *testing.T) {
	s := NewDefaultEngineSettings()
	if s.SlidingWindow() != 30*time.Minute {
		t.Errorf("unexpected default sliding window: %v", s.SlidingWindow())
	}
	if s.SimilarityTimeout() != 5*time.Second {
		t.Errorf("unexpected default similarity timeout: %v", s.SimilarityTimeout())
	}
	if s.PMIFlushInterval() != time.Minute {
		t.Errorf("unexpected default flush interval: %v", s.PMIFlushInterval())
	}
}

func TestEngineSettingsDurationFloors(t *testing.T) {
	s := &EngineSettings{}
	if s.SlidingWindow() != 30*time.Minute {
		t.Errorf("expected sliding window floor, got %v", s.SlidingWindow())
	}
	if s.SimilarityTimeout() != 5*time.Second {
		t.Errorf("expected similarity timeout floor, got %v", s.SimilarityTimeout())
	}
	// A zero or negative interval must never reach time.NewTicker.
	if s.PMIFlushInterval() != time.Minute {
		t.Errorf("expected flush interval floor, got %v", s.PMIFlushInterval())
	}
	s.PMIFlushIntervalMinutes = -5
	if s.PMIFlushInterval() != time.Minute {
		t.Errorf("expected flush interval floor for negative value, got %v", s.PMIFlushInterval())
	}
}
