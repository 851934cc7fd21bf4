package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets/ailets-go/queue"
)

func newTestPipe(t *testing.T, softCap int) (*Pipe, *queue.Queue) {
	t.Helper()
	q := queue.New()
	h := q.Register("pipe-progress")
	return New(q, h, softCap), q
}

func TestWriteThenReadReturnsBytes(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	_, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	p.Close()

	r := p.Open()
	buf := make([]byte, 16)
	n, err := r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLateJoinReaderSeesFromOffsetZero(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	_, _ = p.Write([]byte("abc"))

	r := p.Open() // joins after the first write
	_, _ = p.Write([]byte("def"))
	p.Close()

	buf := make([]byte, 3)
	n, err := r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
	n, _ = r.Read(context.Background(), buf)
	assert.Equal(t, "def", string(buf[:n]))
}

func TestReadSuspendsUntilWrite(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	r := p.Open()

	result := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := r.Read(context.Background(), buf)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- string(buf[:n])
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := p.Write([]byte("late"))
	require.NoError(t, err)

	select {
	case got := <-result:
		assert.Equal(t, "late", got)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after write")
	}
}

func TestWriteAfterCloseIsError(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	p.Close()
	_, err := p.Write([]byte("x"))
	require.Error(t, err)
}

func TestPoisonSetsFlagAndUnblocksReaders(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	r := p.Open()

	result := make(chan int, 1)
	go func() {
		buf := make([]byte, 4)
		n, _ := r.Read(context.Background(), buf)
		result <- n
	}()

	time.Sleep(10 * time.Millisecond)
	p.Poison()

	select {
	case n := <-result:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("poison did not unblock reader")
	}
	assert.True(t, p.IsPoisoned())
}

func TestSoftCapBlocksWriterUntilReaderAdvances(t *testing.T) {
	p, _ := newTestPipe(t, 4)
	r := p.Open()

	_, err := p.Write([]byte("aaaa"))
	require.NoError(t, err)

	writeDone := make(chan struct{})
	go func() {
		_, _ = p.Write([]byte("bbbb"))
		close(writeDone)
	}()

	select {
	case <-writeDone:
		t.Fatal("write should have blocked with a lagging reader under the soft cap")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 4)
	_, err = r.Read(context.Background(), buf)
	require.NoError(t, err)

	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after the reader advanced")
	}
}

func TestSnapshotReturnsBufferCopy(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	_, _ = p.Write([]byte("frozen"))
	snap := p.Snapshot()
	assert.Equal(t, "frozen", string(snap))

	_, _ = p.Write([]byte("more"))
	assert.Equal(t, "frozen", string(snap), "snapshot must not observe later writes")
}

func TestSetOnWriteFiresAfterEverySuccessfulWrite(t *testing.T) {
	p, _ := newTestPipe(t, 0)

	var got []int
	p.SetOnWrite(func(n int) { got = append(got, n) })

	_, err := p.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = p.Write([]byte("de"))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2}, got)
}

func TestSetOnWriteDoesNotFireOnFailedWrite(t *testing.T) {
	p, _ := newTestPipe(t, 0)
	p.Close()

	fired := false
	p.SetOnWrite(func(n int) { fired = true })

	_, err := p.Write([]byte("too late"))
	require.Error(t, err)
	assert.False(t, fired)
}
