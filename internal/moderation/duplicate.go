package moderation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/protogate/internal/runtime"
	"github.com/drblury/protogate/internal/runtime/cloudevents"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
)

// Duplicate detection defaults.
const (
	DefaultTextThreshold  = 50
	DefaultImageThreshold = 70
	DefaultCandidateLimit = 20
	DefaultMinTextLength  = 30
	DefaultEventTopic     = "moderation.duplicate_detected"

	// TopicListingsBySeller returns a seller's most recent listings.
	TopicListingsBySeller = "entity.findAllBySellerId"
	// EventDuplicateDetected is the CloudEvents type of the emitted event.
	EventDuplicateDetected = "listing.duplicate_detected"

	maxNewImages = 2
	fetchWorkers = 4
)

// DuplicateConfig tunes duplicate detection. Zero fields take the defaults.
type DuplicateConfig struct {
	TextThreshold  int
	ImageThreshold int
	CandidateLimit int
	MinTextLength  int
	EventTopic     string
}

func (c DuplicateConfig) withDefaults() DuplicateConfig {
	if c.TextThreshold == 0 {
		c.TextThreshold = DefaultTextThreshold
	}
	if c.ImageThreshold == 0 {
		c.ImageThreshold = DefaultImageThreshold
	}
	if c.CandidateLimit == 0 {
		c.CandidateLimit = DefaultCandidateLimit
	}
	if c.MinTextLength == 0 {
		c.MinTextLength = DefaultMinTextLength
	}
	if c.EventTopic == "" {
		c.EventTopic = DefaultEventTopic
	}
	return c
}

// Listing is the part of a catalog listing duplicate detection compares.
type Listing struct {
	ID          string         `json:"id,omitempty"`
	SellerID    string         `json:"sellerId,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Brand       string         `json:"brand,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Images      []string       `json:"images,omitempty"`
}

// NormalizedText folds the listing's text fields into one lowercase string
// with collapsed whitespace.
func (l Listing) NormalizedText() string {
	parts := []string{l.Name, l.Description, l.Category, l.Brand}
	if len(l.Attributes) > 0 {
		if attrs, err := jsoncodec.Marshal(l.Attributes); err == nil {
			parts = append(parts, string(attrs))
		}
	}
	parts = append(parts, l.Tags...)
	return strings.Join(strings.Fields(strings.ToLower(strings.Join(parts, " "))), " ")
}

// Kind says which content a similarity score compares.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// SimilarityVerdict is the backend's score for the closest candidate.
// MatchedID is only set when the score exceeds its threshold.
type SimilarityVerdict struct {
	MaxScore  int    `json:"maxSimilarity"`
	MatchedID string `json:"matchedId,omitempty"`
	Kind      Kind   `json:"kind"`
	Reason    string `json:"reason,omitempty"`
}

// DuplicateReport holds the outcome of both duplicate checks.
type DuplicateReport struct {
	SellerID string
	Text     Result
	Image    Result
}

// Duplicate reports whether either check confirmed a duplicate.
func (r DuplicateReport) Duplicate() bool {
	return !r.Text.Permits() || !r.Image.Permits()
}

// MatchedID returns the listing the new one duplicates, text match first.
func (r DuplicateReport) MatchedID() string {
	for _, res := range []Result{r.Text, r.Image} {
		if res.Verdict == Violation && res.Similarity != nil && res.Similarity.MatchedID != "" {
			return res.Similarity.MatchedID
		}
	}
	return ""
}

// CheckDuplicates compares listing against the acting seller's recent
// listings. It issues at most one text and one image similarity request.
// Lookup, fetch and parse failures leave the listing accepted.
func (p *Pipeline) CheckDuplicates(ctx context.Context, credential string, listing Listing) DuplicateReport {
	report := DuplicateReport{Text: allow("skipped"), Image: allow("skipped")}

	if p.identity == nil || p.caller == nil {
		p.log.Debug("Duplicate detection not configured", nil)
		return report
	}
	sellerID, ok := p.identity.ResolveUserID(credential)
	if !ok {
		p.log.Debug("Duplicate detection skipped: no seller identity", nil)
		return report
	}
	report.SellerID = sellerID

	ctx, span := p.tracer.Start(ctx, "moderation.duplicates")
	defer span.End()

	candidates, err := p.sellerListings(ctx, sellerID, listing.ID)
	if err != nil {
		p.log.Error("Duplicate candidate lookup failed; accepting listing", err, logging.LogFields{"seller_id": sellerID})
		return report
	}
	if len(candidates) == 0 {
		return report
	}

	var g errgroup.Group
	g.Go(func() error {
		report.Text = p.compareText(ctx, listing, candidates)
		return nil
	})
	g.Go(func() error {
		report.Image = p.compareImages(ctx, listing, candidates)
		return nil
	})
	_ = g.Wait()

	p.settle("duplicate_text", report.Text)
	p.settle("duplicate_image", report.Image)

	if report.Duplicate() {
		p.publishDuplicate(ctx, listing, report)
	}
	return report
}

// EnsureUnique returns a *errors.PolicyViolationError carrying the similarity
// scores when listing duplicates one of the seller's listings.
func (p *Pipeline) EnsureUnique(ctx context.Context, credential string, listing Listing) error {
	report := p.CheckDuplicates(ctx, credential, listing)
	if !report.Duplicate() {
		return nil
	}
	return &errors.PolicyViolationError{Reason: "duplicate listing detected", Details: report.details()}
}

func (r DuplicateReport) details() map[string]any {
	details := map[string]any{}
	if id := r.MatchedID(); id != "" {
		details["matchedId"] = id
	}
	if r.Text.Similarity != nil {
		details["textSimilarity"] = r.Text.Similarity.MaxScore
	}
	if r.Image.Similarity != nil {
		details["imageSimilarity"] = r.Image.Similarity.MaxScore
	}
	return details
}

func (p *Pipeline) sellerListings(ctx context.Context, sellerID, excludeID string) ([]Listing, error) {
	req, err := jsoncodec.Marshal(map[string]any{"sellerId": sellerID, "limit": p.dup.CandidateLimit})
	if err != nil {
		return nil, err
	}
	reply, err := p.caller.Call(ctx, TopicListingsBySeller, req, p.timeout)
	if err != nil {
		return nil, err
	}
	listings, err := decodeListings(reply)
	if err != nil {
		return nil, fmt.Errorf("moderation: decode %s reply: %w", TopicListingsBySeller, err)
	}

	out := make([]Listing, 0, len(listings))
	for _, l := range listings {
		if excludeID != "" && l.ID == excludeID {
			continue
		}
		out = append(out, l)
		if len(out) == p.dup.CandidateLimit {
			break
		}
	}
	return out, nil
}

func decodeListings(reply []byte) ([]Listing, error) {
	if jsoncodec.IsAbsent(reply) {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(reply))
	var listings []Listing
	if strings.HasPrefix(trimmed, "[") {
		err := jsoncodec.Unmarshal(reply, &listings)
		return listings, err
	}
	var page struct {
		Items []Listing `json:"items"`
	}
	err := jsoncodec.Unmarshal(reply, &page)
	return page.Items, err
}

type textCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (p *Pipeline) compareText(ctx context.Context, listing Listing, candidates []Listing) Result {
	text := listing.NormalizedText()
	if utf8.RuneCountInString(text) < p.dup.MinTextLength {
		return allow("text too short to compare")
	}

	eligible := make([]textCandidate, 0, len(candidates))
	for _, c := range candidates {
		if ct := c.NormalizedText(); utf8.RuneCountInString(ct) >= p.dup.MinTextLength {
			eligible = append(eligible, textCandidate{ID: c.ID, Text: ct})
		}
	}
	if len(eligible) == 0 {
		return allow("no comparable candidates")
	}

	existing, err := jsoncodec.Marshal(eligible)
	if err != nil {
		return unavailable(err)
	}
	reply, err := p.completer.Complete(ctx, fmt.Sprintf(textSimilarityPrompt, text, existing), nil)
	if err != nil {
		return unavailable(fmt.Errorf("%w: %v", errors.ErrModerationUnavailable, err))
	}
	known := make(map[string]bool, len(eligible))
	for _, c := range eligible {
		known[c.ID] = true
	}
	return p.judge(reply, KindText, known, p.dup.TextThreshold)
}

func (p *Pipeline) compareImages(ctx context.Context, listing Listing, candidates []Listing) Result {
	if len(listing.Images) == 0 {
		return allow("no images")
	}
	refs := listing.Images
	if len(refs) > maxNewImages {
		refs = refs[:maxNewImages]
	}

	var candidateRefs []string
	var candidateIDs []string
	for _, c := range candidates {
		if len(c.Images) > 0 && strings.TrimSpace(c.Images[0]) != "" {
			candidateRefs = append(candidateRefs, c.Images[0])
			candidateIDs = append(candidateIDs, c.ID)
		}
	}
	if len(candidateRefs) == 0 {
		return allow("no candidate images")
	}

	resolved, resolvedOK := p.normalizeAll(ctx, refs)
	var media []InlineMedia
	for i, m := range resolved {
		if resolvedOK[i] {
			media = append(media, m)
		}
	}
	newCount := len(media)
	if newCount == 0 {
		return unavailable(fmt.Errorf("%w: no usable image on the new listing", errors.ErrModerationUnavailable))
	}

	candidateMedia, candidateOK := p.normalizeAll(ctx, candidateRefs)
	ids := make([]string, 0, len(candidateIDs))
	for i, m := range candidateMedia {
		if candidateOK[i] {
			media = append(media, m)
			ids = append(ids, candidateIDs[i])
		}
	}
	if len(ids) == 0 {
		return allow("no usable candidate images")
	}

	prompt := fmt.Sprintf(imageSimilarityPrompt, newCount, strings.Join(ids, ", "))
	reply, err := p.completer.Complete(ctx, prompt, media)
	if err != nil {
		return unavailable(fmt.Errorf("%w: %v", errors.ErrModerationUnavailable, err))
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return p.judge(reply, KindImage, known, p.dup.ImageThreshold)
}

// normalizeAll resolves refs concurrently. The result is positional: ok[i]
// reports whether media[i] resolved.
func (p *Pipeline) normalizeAll(ctx context.Context, refs []string) (media []InlineMedia, ok []bool) {
	media = make([]InlineMedia, len(refs))
	ok = make([]bool, len(refs))

	var g errgroup.Group
	g.SetLimit(fetchWorkers)
	for i, ref := range refs {
		g.Go(func() error {
			m, err := p.images.Normalize(ctx, ref)
			if err != nil {
				p.log.Debug("Skipping image", logging.LogFields{"error": err.Error()})
				return nil
			}
			media[i], ok[i] = m, true
			return nil
		})
	}
	_ = g.Wait()
	return media, ok
}

type similarityReply struct {
	MaxSimilarity *float64 `json:"maxSimilarity"`
	MatchedID     any      `json:"matchedId"`
	Reason        string   `json:"reason"`
}

// judge parses a similarity reply and compares the score with threshold.
func (p *Pipeline) judge(reply string, kind Kind, known map[string]bool, threshold int) Result {
	raw, ok := jsoncodec.ExtractObject(reply)
	if !ok {
		return unavailable(fmt.Errorf("%w: %s similarity reply holds no JSON object", errors.ErrModerationUnavailable, kind))
	}
	var parsed similarityReply
	if err := jsoncodec.Unmarshal(raw, &parsed); err != nil {
		return unavailable(fmt.Errorf("%w: %s similarity reply: %v", errors.ErrModerationUnavailable, kind, err))
	}
	if parsed.MaxSimilarity == nil {
		return unavailable(fmt.Errorf("%w: %s similarity reply lacks maxSimilarity", errors.ErrModerationUnavailable, kind))
	}

	verdict := &SimilarityVerdict{
		MaxScore: clampScore(*parsed.MaxSimilarity),
		Kind:     kind,
		Reason:   parsed.Reason,
	}
	if verdict.MaxScore <= threshold {
		return Result{Verdict: Allowed, Similarity: verdict}
	}
	if id := matchedID(parsed.MatchedID); known[id] {
		verdict.MatchedID = id
	}
	return Result{Verdict: Violation, Reason: fmt.Sprintf("%s similarity %d exceeds %d", kind, verdict.MaxScore, threshold), Similarity: verdict}
}

func clampScore(score float64) int {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return int(math.Round(score))
	}
}

func matchedID(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}

type duplicateEvent struct {
	SellerID        string `json:"sellerId"`
	ListingName     string `json:"listingName"`
	MatchedID       string `json:"matchedId,omitempty"`
	TextSimilarity  *int   `json:"textSimilarity,omitempty"`
	ImageSimilarity *int   `json:"imageSimilarity,omitempty"`
}

func (p *Pipeline) publishDuplicate(ctx context.Context, listing Listing, report DuplicateReport) {
	if p.publisher == nil {
		return
	}
	data := duplicateEvent{SellerID: report.SellerID, ListingName: listing.Name, MatchedID: report.MatchedID()}
	if s := report.Text.Similarity; s != nil {
		data.TextSimilarity = &s.MaxScore
	}
	if s := report.Image.Similarity; s != nil {
		data.ImageSimilarity = &s.MaxScore
	}

	evt := cloudevents.New(EventDuplicateDetected, "protogate/moderation", data).WithSubject(report.SellerID)
	if err := runtime.PublishEvent(ctx, p.publisher, p.dup.EventTopic, evt); err != nil {
		p.log.Error("Failed to publish duplicate event", err, logging.LogFields{"topic": p.dup.EventTopic})
	}
}
