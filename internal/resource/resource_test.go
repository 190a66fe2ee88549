// SPDX-License-Identifier: MIT

package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
	calls   int
}

func (f *fakeSampler) Sample(ctx context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return Sample{}, f.errs[idx]
	}
	if idx < len(f.samples) {
		return f.samples[idx], nil
	}
	if len(f.samples) == 0 {
		return Sample{}, errors.New("no samples configured")
	}
	return f.samples[len(f.samples)-1], nil
}

type fakeShedder struct {
	mu  sync.Mutex
	ids []string
	log []string
}

func (f *fakeShedder) ShedOne() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", false
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	f.log = append(f.log, id)
	return id, true
}

func TestAdmitNewSessionOptimisticBeforeFirstSample(t *testing.T) {
	m := New(Config{MaxCPUPercent: 80, MaxMemPercent: 80}, &fakeSampler{}, nil, nil)
	assert.True(t, m.AdmitNewSession())
}

func TestAdmitNewSessionRespectsThresholds(t *testing.T) {
	m := New(Config{MaxCPUPercent: 80, MaxMemPercent: 80}, &fakeSampler{}, nil, nil)

	m.mu.Lock()
	m.latest = Sample{CPUPercent: 85, MemPercent: 50, Timestamp: time.Now()}
	m.mu.Unlock()

	assert.False(t, m.AdmitNewSession())

	m.mu.Lock()
	m.latest = Sample{CPUPercent: 50, MemPercent: 50, Timestamp: time.Now()}
	m.mu.Unlock()

	assert.True(t, m.AdmitNewSession())
}

func TestRunUpdatesLatestSample(t *testing.T) {
	sampler := &fakeSampler{samples: []Sample{{CPUPercent: 42, MemPercent: 33}}}
	m := New(Config{CheckInterval: 10 * time.Millisecond, MaxCPUPercent: 80, MaxMemPercent: 80}, sampler, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = m.Run(ctx)

	latest := m.Latest()
	assert.Equal(t, 42.0, latest.CPUPercent)
	assert.Equal(t, 33.0, latest.MemPercent)
}

func TestRunSurvivesSampleErrors(t *testing.T) {
	sampler := &fakeSampler{errs: []error{errors.New("boom"), errors.New("boom"), nil}, samples: []Sample{{}, {}, {CPUPercent: 10}}}
	m := New(Config{CheckInterval: 5 * time.Millisecond, MaxCPUPercent: 80, MaxMemPercent: 80}, sampler, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	require.NoError(t, m.Run(ctx))
}

func TestShedOverloadedStopsWhenCPURecovers(t *testing.T) {
	sampler := &fakeSampler{samples: []Sample{
		{CPUPercent: 95, MemPercent: 95},
		{CPUPercent: 60, MemPercent: 60},
	}}
	shedder := &fakeShedder{ids: []string{"cam-1", "cam-2", "cam-3"}}

	m := New(Config{
		ShedCPUPercent: 90,
		ShedMemPercent: 90,
		ShedStopCPU:    70,
		MaxShedCount:   5,
		ShedPause:      time.Millisecond,
	}, sampler, shedder, nil)

	m.shedOverloaded(context.Background())

	// shedOverloaded resamples after each shed: the first resample (95) is
	// still hot, the second (60) stops the pass, so cam-3 is kept.
	shedder.mu.Lock()
	defer shedder.mu.Unlock()
	assert.Len(t, shedder.log, 2)
}

func TestShedOverloadedStopsWhenNoSessionsLeft(t *testing.T) {
	sampler := &fakeSampler{samples: []Sample{{CPUPercent: 95, MemPercent: 95}}}
	shedder := &fakeShedder{ids: nil}

	m := New(Config{ShedCPUPercent: 90, ShedMemPercent: 90, ShedStopCPU: 70, MaxShedCount: 5, ShedPause: time.Millisecond}, sampler, shedder, nil)
	m.shedOverloaded(context.Background())

	shedder.mu.Lock()
	defer shedder.mu.Unlock()
	assert.Empty(t, shedder.log)
}

func TestShedOverloadedRespectsMaxShedCount(t *testing.T) {
	hot := Sample{CPUPercent: 95, MemPercent: 95}
	sampler := &fakeSampler{samples: []Sample{hot, hot, hot, hot, hot, hot}}
	shedder := &fakeShedder{ids: []string{"a", "b", "c", "d", "e", "f", "g"}}

	m := New(Config{ShedCPUPercent: 90, ShedMemPercent: 90, ShedStopCPU: 70, MaxShedCount: 2, ShedPause: time.Millisecond}, sampler, shedder, nil)
	m.shedOverloaded(context.Background())

	shedder.mu.Lock()
	defer shedder.mu.Unlock()
	assert.Len(t, shedder.log, 2)
}

func TestPickArbitraryEmpty(t *testing.T) {
	assert.Equal(t, "", PickArbitrary(nil))
}

func TestPickArbitraryReturnsMember(t *testing.T) {
	ids := []string{"a", "b", "c"}
	picked := PickArbitrary(ids)
	assert.Contains(t, ids, picked)
}
