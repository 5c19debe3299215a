package compound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/compound-finder/engine/domain"
	"github.com/WessleyAI/compound-finder/engine/fia"
	"github.com/WessleyAI/compound-finder/pkg/fn"
	"github.com/WessleyAI/compound-finder/pkg/metrics"
)

// Locator finds candidate event-notes documents for a Grand Prix.
type Locator interface {
	FindEventNotes(ctx context.Context, year int, race string) ([]string, error)
	// DocumentURL turns a located path fragment into a downloadable URL.
	DocumentURL(fragment string) string
}

// Fetcher downloads a document.
type Fetcher interface {
	FetchDocument(ctx context.Context, url string) (fia.Document, error)
}

// Progress is told about each candidate the finder works through.
type Progress interface {
	Start(total int, desc string)
	Step(n int, url string)
	Done()
}

type nopProgress struct{}

func (nopProgress) Start(int, string) {}
func (nopProgress) Step(int, string)  {}
func (nopProgress) Done()             {}

// match is what one candidate yielded.
type match struct {
	compounds domain.CompoundSet
	found     bool
}

// Finder runs the locate, fetch, extract loop for one event.
type Finder struct {
	locator   Locator
	fetcher   Fetcher
	extractor Extractor
	progress  Progress
	log       *slog.Logger
	now       func() time.Time

	mLookups func(status domain.LookupStatus) *metrics.Counter
	mTried   *metrics.Counter
}

// Option configures a Finder.
type Option func(*Finder)

// WithProgress sets the progress reporter.
func WithProgress(p Progress) Option { return func(f *Finder) { f.progress = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Finder) { f.log = l } }

// WithMetrics records lookup outcomes in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(f *Finder) { f.bindMetrics(reg) }
}

// NewFinder creates a Finder. The fia.Client satisfies both Locator and Fetcher.
func NewFinder(l Locator, fe Fetcher, e Extractor, opts ...Option) *Finder {
	f := &Finder{
		locator:   l,
		fetcher:   fe,
		extractor: e,
		progress:  nopProgress{},
		log:       slog.Default(),
		now:       time.Now,
	}
	f.bindMetrics(metrics.New())
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Finder) bindMetrics(reg *metrics.Registry) {
	f.mLookups = func(status domain.LookupStatus) *metrics.Counter {
		return reg.Counter(metrics.WithLabels("compound_finder_lookups_total", "status", string(status)), "Compound lookups by outcome")
	}
	f.mTried = reg.Counter("compound_finder_documents_tried_total", "Candidate documents fetched and parsed")
}

// EventCompounds finds the compound selection for a Grand Prix. It tries each
// located document in page order and stops at the first one that yields a
// non-empty set. A document that cannot be downloaded or parsed (for example a
// malformed PDF) is logged and skipped; if nothing else matched, the lookup
// ends as StatusFetchFailed. Unsupported years, event page transport errors
// and cancellation are returned as errors; every other outcome is reported
// through Lookup.Status.
func (f *Finder) EventCompounds(ctx context.Context, year int, race string) (domain.Lookup, error) {
	lookup := domain.Lookup{Year: year, Race: race, LookedUpAt: f.now()}

	docs, err := f.locator.FindEventNotes(ctx, year, race)
	if err != nil {
		return lookup, err
	}
	lookup.Candidates = len(docs)
	if len(docs) == 0 {
		return f.finish(lookup, domain.StatusNoDocuments), nil
	}

	f.progress.Start(len(docs), fmt.Sprintf("searching for tyre compounds in %s in %d", race, year))
	defer f.progress.Done()

	try := fn.Then(
		fn.TracedStage("compound.fetch", fn.Stage[string, fia.Document](f.fetchStage)),
		fn.TracedStage("compound.extract", fn.Stage[fia.Document, match](f.extractStage)),
	)

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return lookup, err
		}
		docURL := f.locator.DocumentURL(doc)
		f.progress.Step(i+1, docURL)
		lookup.Tried++
		f.mTried.Inc()

		m, err := try(ctx, docURL).Unwrap()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return lookup, ctxErr
			}
			lookup.Failed++
			f.log.Warn("compound: document skipped", "url", docURL, "error", err)
			continue
		}
		if !m.found || m.compounds.Len() == 0 {
			f.log.Debug("compound: no compound selection in document", "url", docURL)
			continue
		}

		lookup.Compounds = m.compounds
		lookup.SourceURL = docURL
		return f.finish(lookup, domain.StatusFound), nil
	}

	if lookup.Failed > 0 {
		return f.finish(lookup, domain.StatusFetchFailed), nil
	}
	return f.finish(lookup, domain.StatusNotFound), nil
}

func (f *Finder) finish(l domain.Lookup, status domain.LookupStatus) domain.Lookup {
	l.Status = status
	f.mLookups(status).Inc()
	f.log.Info("compound: lookup finished",
		"year", l.Year,
		"race", l.Race,
		"status", status,
		"candidates", l.Candidates,
		"tried", l.Tried,
		"compounds", l.Compounds.Sorted(),
	)
	return l
}

func (f *Finder) fetchStage(ctx context.Context, url string) fn.Result[fia.Document] {
	doc, err := f.fetcher.FetchDocument(ctx, url)
	if err != nil {
		return fn.Err[fia.Document](err)
	}
	if !doc.OK() {
		return fn.Errf[fia.Document]("compound: fetch %s: status %d after %d attempts", url, doc.StatusCode, doc.Attempts)
	}
	return fn.Ok(doc)
}

func (f *Finder) extractStage(_ context.Context, doc fia.Document) fn.Result[match] {
	set, found, err := f.extractor.Extract(doc.Body)
	if err != nil {
		return fn.Err[match](err)
	}
	return fn.Ok(match{compounds: set, found: found})
}
