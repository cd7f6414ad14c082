package ingest

import (
	"sync/atomic"

	"github.com/jonesrussell/north-cloud/product-ingest/internal/domain"
)

// jobCounters are the live counters of one run, updated by workers.
type jobCounters struct {
	pagesSeen         atomic.Int64
	pagesSkipped      atomic.Int64
	pagesFailed       atomic.Int64
	productsFound     atomic.Int64
	productsProcessed atomic.Int64
	variantsDiscarded atomic.Int64
	recordsFailed     atomic.Int64
}

func (c *jobCounters) snapshot() domain.Counters {
	return domain.Counters{
		PagesSeen:         c.pagesSeen.Load(),
		PagesSkipped:      c.pagesSkipped.Load(),
		PagesFailed:       c.pagesFailed.Load(),
		ProductsFound:     c.productsFound.Load(),
		ProductsProcessed: c.productsProcessed.Load(),
		VariantsDiscarded: c.variantsDiscarded.Load(),
		RecordsFailed:     c.recordsFailed.Load(),
	}
}
