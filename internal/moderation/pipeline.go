// Package moderation screens user content before it reaches the catalog:
// text and image policy checks, seller-scoped duplicate detection and the
// cached image-to-query extraction used by image search.
//
// Every check returns a Result. Only a confirmed Violation blocks; a backend
// that cannot answer lets the content through.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/logging"
)

const tracerName = "github.com/drblury/protogate/internal/moderation"

// minTextLength is the shortest text worth sending to the backend.
const minTextLength = 3

// Options configures a Pipeline. Completer is required; Caller and Identity
// are required for duplicate detection.
type Options struct {
	Completer Completer
	Caller    rpc.Caller
	Identity  identity.Resolver
	// Publisher receives duplicate-detected events. Nil disables them.
	Publisher message.Publisher
	Images    *ImageNormalizer

	Duplicates DuplicateConfig
	CacheSize  int
	CacheTTL   time.Duration
	// Timeout bounds candidate lookups.
	Timeout time.Duration

	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

// Pipeline runs moderation checks. It is safe for concurrent use.
type Pipeline struct {
	completer Completer
	caller    rpc.Caller
	identity  identity.Resolver
	publisher message.Publisher
	images    *ImageNormalizer
	dup       DuplicateConfig
	queries   *QueryCache
	timeout   time.Duration

	log     logging.ServiceLogger
	metrics *pipelineMetrics
	tracer  trace.Tracer
}

// New builds a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Completer == nil {
		return nil, errors.ErrCompleterRequired
	}
	m, err := newPipelineMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	if opts.Images == nil {
		opts.Images = NewImageNormalizer(nil, 0)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Pipeline{
		completer: opts.Completer,
		caller:    opts.Caller,
		identity:  opts.Identity,
		publisher: opts.Publisher,
		images:    opts.Images,
		dup:       opts.Duplicates.withDefaults(),
		queries:   NewQueryCache(opts.CacheSize, opts.CacheTTL),
		timeout:   opts.Timeout,
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "moderation"}),
		metrics:   m,
		tracer:    opts.Tracer,
	}, nil
}

// ValidateContent reports whether text of the given class may be published.
func (p *Pipeline) ValidateContent(ctx context.Context, text, contentClass string) bool {
	return p.settle("content", p.CheckContent(ctx, text, contentClass))
}

// ValidateImage reports whether the referenced image may be published.
func (p *Pipeline) ValidateImage(ctx context.Context, imageRef, imageClass string) bool {
	return p.settle("image", p.CheckImage(ctx, imageRef, imageClass))
}

// ValidateImages checks refs in order and returns the index of the first
// violating image, or -1. Images after a violation are not checked.
func (p *Pipeline) ValidateImages(ctx context.Context, refs []string, imageClass string) int {
	for i, ref := range refs {
		if !p.ValidateImage(ctx, ref, imageClass) {
			return i
		}
	}
	return -1
}

// CheckContent classifies text. Text shorter than three characters is allowed
// without a backend call.
func (p *Pipeline) CheckContent(ctx context.Context, text, contentClass string) Result {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minTextLength {
		return allow("trivial text")
	}

	ctx, span := p.tracer.Start(ctx, "moderation.content", trace.WithAttributes(attribute.String("moderation.class", contentClass)))
	defer span.End()

	reply, err := p.completer.Complete(ctx, fmt.Sprintf(contentPrompt, className(contentClass, "text"), text), nil)
	r := classify(reply, err)
	span.SetAttributes(attribute.String("moderation.verdict", r.Verdict.String()))
	return r
}

// CheckImage classifies an image given as a data URI, raw base64 or URL. An
// empty reference is allowed without a backend call.
func (p *Pipeline) CheckImage(ctx context.Context, imageRef, imageClass string) Result {
	if strings.TrimSpace(imageRef) == "" {
		return allow("no image")
	}

	ctx, span := p.tracer.Start(ctx, "moderation.image", trace.WithAttributes(attribute.String("moderation.class", imageClass)))
	defer span.End()

	media, err := p.images.Normalize(ctx, imageRef)
	if err != nil {
		return unavailable(err)
	}
	reply, err := p.completer.Complete(ctx, fmt.Sprintf(imagePrompt, className(imageClass, "image")), []InlineMedia{media})
	r := classify(reply, err)
	span.SetAttributes(attribute.String("moderation.verdict", r.Verdict.String()))
	return r
}

// settle is the only place a Result becomes an allow/block decision.
func (p *Pipeline) settle(check string, r Result) bool {
	p.metrics.checks.WithLabelValues(check, r.Verdict.String()).Inc()
	switch r.Verdict {
	case Unavailable:
		p.log.Error("Moderation check unavailable; allowing content", r.Err, logging.LogFields{"check": check})
	case Violation:
		p.log.Info("Moderation check rejected content", logging.LogFields{"check": check, "reason": r.Reason})
	}
	return r.Permits()
}

// negations mark a verdict word as ambiguous ("not a violation").
var negations = map[string]bool{"NOT": true, "NO": true, "NON": true}

// classify maps a SAFE/VIOLATION completion onto a Result. The first verdict
// word in the reply decides; a negated or missing verdict is unavailable.
func classify(reply string, err error) Result {
	if err != nil {
		return unavailable(fmt.Errorf("%w: %v", errors.ErrModerationUnavailable, err))
	}
	words := strings.FieldsFunc(strings.ToUpper(reply), func(r rune) bool { return !unicode.IsLetter(r) })
	for i, w := range words {
		var r Result
		switch w {
		case "SAFE":
			r = allow("")
		case "VIOLATION", "UNSAFE":
			r = violate("content violates the marketplace policy")
		default:
			continue
		}
		if i > 0 && negations[words[i-1]] {
			return unavailable(fmt.Errorf("%w: ambiguous verdict %q", errors.ErrModerationUnavailable, truncate(reply, 64)))
		}
		return r
	}
	return unavailable(fmt.Errorf("%w: unrecognized verdict %q", errors.ErrModerationUnavailable, truncate(reply, 64)))
}

func className(class, fallback string) string {
	if strings.TrimSpace(class) == "" {
		return fallback
	}
	return class
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
