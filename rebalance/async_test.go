package rebalance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/index"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/txn"
)

func TestSubmitDedupesRequestsForSamePendingSegmentKey(t *testing.T) {
	mgr := txn.NewManager()
	et := epoch.NewThread(0)
	svc := NewService(mgr, et, 1, nil, nil, 4)
	defer svc.Stop()

	l := leaf.New([]*segment.Segment{segment.New(key.NewVertex(0), 256, nil)}, key.Max)

	svc.Submit(Request{Leaf: l, SegmentKey: key.NewVertex(0)})
	svc.Submit(Request{Leaf: l, SegmentKey: key.NewVertex(0)})

	svc.mu.Lock()
	pendingCount := 0
	if svc.pending[key.NewVertex(0)] {
		pendingCount = 1
	}
	svc.mu.Unlock()
	assert.Equal(t, 1, pendingCount)
}

func TestServiceRunOneSkipsWhenBelowDensityThreshold(t *testing.T) {
	mgr := txn.NewManager()
	et := epoch.NewThread(0)
	svc := NewService(mgr, et, 1, nil, nil, 4)
	defer svc.Stop()

	seg := segment.New(key.NewVertex(0), 256, nil)
	l := leaf.New([]*segment.Segment{seg}, key.Max)

	err := svc.runOne(Request{Leaf: l, SegmentKey: key.NewVertex(0)})
	require.NoError(t, err)
	assert.Equal(t, segment.Free, seg.State(), "an under-threshold segment must not be left REBAL-locked")
}

func TestServiceSubmitEventuallyRunsAndUnlocksSegment(t *testing.T) {
	mgr := txn.NewManager()
	et := epoch.NewThread(0)
	ix := index.New(nil)
	svc := NewService(mgr, et, 2, nil, ix, 4)
	defer svc.Stop()

	segs := []*segment.Segment{
		segment.New(key.NewVertex(0), 8, nil),
		segment.New(key.NewVertex(100), 8, nil),
	}
	l := leaf.New(segs, key.Max)
	fillVertices(t, mgr, segs[0], 0, 30) // overflow into dense, force a rebalance

	svc.Submit(Request{Leaf: l, SegmentKey: key.NewVertex(0)})

	deadline := time.After(2 * time.Second)
	for {
		svc.mu.Lock()
		pending := svc.pending[key.NewVertex(0)]
		svc.mu.Unlock()
		if !pending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("rebalance request never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopWithoutWorkerErrorsReturnsNil(t *testing.T) {
	mgr := txn.NewManager()
	et := epoch.NewThread(0)
	svc := NewService(mgr, et, 1, nil, nil, 4)

	err := svc.Stop()
	assert.NoError(t, err)
}
