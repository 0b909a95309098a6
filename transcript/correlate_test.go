package transcript

import (
	"testing"
	"time"
)

// =============================================================================
// Correlation Tests
// =============================================================================

func TestResolve_NoResultMeansLoading(t *testing.T) {
	ix := NewIndex([]Block{toolBlock("b1", "t1", "Read")})
	st := ix.Resolve("t1", nil)
	if !st.Loading {
		t.Error("expected loading state")
	}
	if st.Error || st.Result != nil {
		t.Errorf("expected no result, got %+v", st)
	}
}

func TestResolve_GlobalTier(t *testing.T) {
	res := resultBlock("b2", "t1", "done")
	ix := NewIndex([]Block{
		toolBlock("b1", "t1", "Read"),
		res,
	})
	st := ix.Resolve("t1", nil)
	if st.Loading {
		t.Fatal("expected resolved state")
	}
	if st.Result != res {
		t.Errorf("expected result b2, got %+v", st.Result)
	}
}

func TestResolve_SiblingScopeWinsOverGlobal(t *testing.T) {
	siblingRes := childResult("b3", "t0", "t1", "sibling result")
	globalRes := resultBlock("b4", "t1", "global result")
	blocks := []Block{
		toolBlock("b1", "t0", "Task"),
		childTool("b2", "t0", "t1", "Read"),
		siblingRes,
		globalRes,
	}
	ix := NewIndex(blocks)

	st := ix.Resolve("t1", []Block{blocks[1], siblingRes})
	if st.Result != siblingRes {
		t.Errorf("expected sibling result, got %+v", st.Result)
	}
}

func TestResolve_FirstMatchWins(t *testing.T) {
	first := resultBlock("b2", "t1", "first")
	second := resultBlock("b3", "t1", "second")
	ix := NewIndex([]Block{toolBlock("b1", "t1", "Read"), first, second})

	if st := ix.Resolve("t1", nil); st.Result != first {
		t.Errorf("expected first result to win, got %+v", st.Result)
	}
}

func TestResolve_ErrorResult(t *testing.T) {
	res := resultBlock("b2", "t1", "boom")
	res.IsError = true
	ix := NewIndex([]Block{toolBlock("b1", "t1", "Bash"), res})

	st := ix.Resolve("t1", nil)
	if !st.Error {
		t.Error("expected error state")
	}
	if st.Loading {
		t.Error("expected not loading")
	}
}

func TestResolve_EmptyCallID(t *testing.T) {
	ix := NewIndex(nil)
	if st := ix.Resolve("", nil); !st.Loading {
		t.Error("expected loading for empty call id")
	}
}

// =============================================================================
// Duration Resolution Tests
// =============================================================================

func TestDuration_AuthoritativeFromResult(t *testing.T) {
	res := resultBlock("b2", "t1", "done")
	res.DurationMs = 1500
	tool := toolBlock("b1", "t1", "Bash")
	ix := NewIndex([]Block{tool, res})

	d, ok := ix.Duration(tool, nil, nil)
	if !ok {
		t.Fatal("expected a duration")
	}
	if d != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", d)
	}
}

func TestDuration_ResolvedWithoutDuration(t *testing.T) {
	tool := toolBlock("b1", "t1", "Bash")
	ix := NewIndex([]Block{tool, resultBlock("b2", "t1", "done")})

	tr := NewTracker()
	tr.Start("t1", testClock)
	if _, ok := ix.Duration(tool, nil, tr); ok {
		t.Error("expected no duration when the result carried none")
	}
}

func TestDuration_LiveWhileRunning(t *testing.T) {
	tool := toolBlock("b1", "t1", "Bash")
	ix := NewIndex([]Block{tool})

	tr := NewTracker()
	current := testClock
	tr.now = func() time.Time { return current }
	tr.Start("t1", testClock)
	current = current.Add(2 * time.Second)

	d, ok := ix.Duration(tool, nil, tr)
	if !ok {
		t.Fatal("expected a live duration")
	}
	if d != 2*time.Second {
		t.Errorf("expected 2s, got %s", d)
	}
}
