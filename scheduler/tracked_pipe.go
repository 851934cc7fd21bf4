package scheduler

import (
	"github.com/ailets/ailets-go/handle"
	"github.com/ailets/ailets-go/pipe"
	"github.com/ailets/ailets-go/queue"
)

// newTrackedPipe constructs a node's stdout pipe. The scheduler
// separately installs pipe.SetOnWrite to observe the first byte
// written (running -> progressed) and every byte thereafter (metrics,
// observers) without pipe itself depending on the DAG store.
func newTrackedPipe(q *queue.Queue, progress handle.Handle, softCapBytes int) *pipe.Pipe {
	return pipe.New(q, progress, softCapBytes)
}
