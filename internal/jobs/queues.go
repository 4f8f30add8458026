package jobs

import "hindsight/internal/model"

// Queue names. Workers share one pool and claim across every queue: queue
// priority first, then job priority, FIFO inside a priority.
const (
	QueueQuick    = "quick"
	QueueScraping = "scraping"
	QueueIndexing = "indexing"
	QueueDefault  = "default"
)

// QueueNames lists every queue the runner polls.
var QueueNames = []string{QueueQuick, QueueScraping, QueueIndexing, QueueDefault}

// QueuesByPriority returns the queues in claim order, highest queue
// priority first. A worker offered jobs on quick, scraping and indexing
// starts them in that order.
func QueuesByPriority() []string {
	return []string{QueueQuick, QueueScraping, QueueDefault, QueueIndexing}
}

// queuePriorities are the default job priorities per queue. Quick work
// (bulk overrides, cancellations) outranks scraping, which outranks
// indexing.
var queuePriorities = map[string]int{
	QueueQuick:    9,
	QueueScraping: 5,
	QueueIndexing: 3,
	QueueDefault:  5,
}

// typeQueues routes job types to their home queue.
var typeQueues = map[string]string{
	model.JobTypeScrapeProject:     QueueScraping,
	model.JobTypeExtractBatch:      QueueScraping,
	model.JobTypeBulkOverride:      QueueQuick,
	model.JobTypeConsistencyRepair: QueueIndexing,
	model.JobTypeRetentionCleanup:  QueueDefault,
}

// QueueFor returns the home queue and default priority for a job type.
// Unknown types land on the default queue.
func QueueFor(jobType string) (queue string, priority int) {
	queue, ok := typeQueues[jobType]
	if !ok {
		queue = QueueDefault
	}
	return queue, queuePriorities[queue]
}
