package scrambler

import (
	"testing"
	"time"
)

func TestOptionsValidate(t *testing.T) {
	base := func() Options {
		return Options{
			CPDuration:    10 * time.Second,
			DelayStart:    2 * time.Second,
			ScrambleVideo: true,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"valid", func(o *Options) {}, false},
		{"zero cp-duration", func(o *Options) { o.CPDuration = 0 }, true},
		{"negative cp-duration", func(o *Options) { o.CPDuration = -time.Second }, true},
		{"delay-start exceeds half cp-duration", func(o *Options) { o.DelayStart = 6 * time.Second }, true},
		{"negative delay-start within bound", func(o *Options) { o.DelayStart = -2 * time.Second }, false},
		{"negative delay-start exceeds bound", func(o *Options) { o.DelayStart = -6 * time.Second }, true},
		{"negative partial-scrambling", func(o *Options) { o.PartialScrambling = -1 }, true},
		{"no scramble target selected", func(o *Options) {
			o.ScrambleVideo = false
			o.ScrambleAudio = false
			o.ScrambleSubtitles = false
		}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := base()
			tt.mutate(&opts)
			err := opts.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOptionsECMGTimeout(t *testing.T) {
	t.Parallel()
	o := Options{CPDuration: 5 * time.Second}
	if got := o.ECMGTimeout(); got != 5*time.Second {
		t.Fatalf("ECMGTimeout() = %v, want %v", got, 5*time.Second)
	}

	o2 := Options{}
	if got := o2.ECMGTimeout(); got != 10*time.Second {
		t.Fatalf("ECMGTimeout() default = %v, want 10s", got)
	}
}
