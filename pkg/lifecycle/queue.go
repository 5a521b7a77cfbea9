package lifecycle

import (
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
)

// tenantQueues holds the FIFO queues of one priority class, one per
// tenant, drained round-robin so no tenant starves another.
type tenantQueues struct {
	priority types.Priority
	order    []string
	byTenant map[string][]*types.Task
	next     int
}

func newTenantQueues(priority types.Priority) *tenantQueues {
	return &tenantQueues{
		priority: priority,
		byTenant: make(map[string][]*types.Task),
	}
}

func (q *tenantQueues) push(task *types.Task) {
	if _, ok := q.byTenant[task.TenantID]; !ok {
		q.order = append(q.order, task.TenantID)
	}
	q.byTenant[task.TenantID] = append(q.byTenant[task.TenantID], task)
	metrics.QueueDepth.WithLabelValues(task.TenantID, string(q.priority)).Inc()
}

// pop removes the head of the next non-empty tenant queue, advancing the
// round-robin cursor. Returns nil when every queue is empty.
func (q *tenantQueues) pop() *types.Task {
	for len(q.order) > 0 {
		q.next = q.next % len(q.order)
		tenant := q.order[q.next]

		queue := q.byTenant[tenant]
		if len(queue) == 0 {
			q.order = append(q.order[:q.next], q.order[q.next+1:]...)
			delete(q.byTenant, tenant)
			continue
		}

		task := queue[0]
		q.byTenant[tenant] = queue[1:]
		q.next++
		metrics.QueueDepth.WithLabelValues(tenant, string(q.priority)).Dec()
		return task
	}
	return nil
}

func (q *tenantQueues) empty() bool {
	for _, queue := range q.byTenant {
		if len(queue) > 0 {
			return false
		}
	}
	return true
}

// drain removes and returns every queued task
func (q *tenantQueues) drain() []*types.Task {
	var tasks []*types.Task
	for tenant, queue := range q.byTenant {
		tasks = append(tasks, queue...)
		for range queue {
			metrics.QueueDepth.WithLabelValues(tenant, string(q.priority)).Dec()
		}
		delete(q.byTenant, tenant)
	}
	q.order = nil
	q.next = 0
	return tasks
}
