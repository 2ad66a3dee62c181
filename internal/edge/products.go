package edge

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drblury/protogate/internal/aggregate"
	"github.com/drblury/protogate/internal/moderation"
	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
)

// Moderation classes of a product listing.
const (
	ContentClassProduct = "product listing"
	ImageClassProduct   = "product photo"
)

// pagingParams are the query parameters forwarded as numbers.
var pagingParams = map[string]bool{"page": true, "limit": true, "minPrice": true, "maxPrice": true}

func badRequest(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errors.PublicError{Reason: reason})
}

func (s *Server) getProduct(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		badRequest(c, "product id is required")
		return
	}
	entity, err := s.aggregator.MergeOne(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (s *Server) listProducts(c *gin.Context) {
	query := make(map[string]any)
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 || values[0] == "" {
			continue
		}
		if !pagingParams[key] {
			query[key] = values[0]
			continue
		}
		n, err := strconv.ParseFloat(values[0], 64)
		if err != nil || n < 0 {
			badRequest(c, "invalid "+key)
			return
		}
		query[key] = n
	}

	page, err := s.aggregator.MergeBatch(c.Request.Context(), query)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) createProduct(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	var body map[string]any
	var listing moderation.Listing
	if jsoncodec.Unmarshal(raw, &body) != nil || jsoncodec.Unmarshal(raw, &listing) != nil {
		badRequest(c, "malformed product")
		return
	}
	if strings.TrimSpace(listing.Name) == "" {
		badRequest(c, "name is required")
		return
	}

	ctx := c.Request.Context()
	userID := UserID(c)
	listing.SellerID = userID

	if err := s.moderate(ctx, listing); err != nil {
		fail(c, err)
		return
	}
	if err := s.moderation.EnsureUnique(ctx, RequestCredential(c), listing); err != nil {
		fail(c, err)
		return
	}

	body["sellerId"] = userID
	created, err := rpc.CallJSON[aggregate.Entity](ctx, s.caller, TopicCreate, body, s.timeout)
	if err != nil {
		fail(c, err)
		return
	}
	s.log.Info("Product created", logging.LogFields{"product_id": created.ID(), "user_id": userID})
	c.JSON(http.StatusCreated, created)
}

// moderate checks the listing text and its images concurrently. Only a
// confirmed violation blocks the listing.
func (s *Server) moderate(ctx context.Context, listing moderation.Listing) error {
	text := strings.TrimSpace(listing.Name + "\n" + listing.Description)
	contentOK := true
	badImage := -1

	_ = aggregate.Parallel(ctx,
		func(ctx context.Context) error {
			contentOK = s.moderation.ValidateContent(ctx, text, ContentClassProduct)
			return nil
		},
		func(ctx context.Context) error {
			badImage = s.moderation.ValidateImages(ctx, listing.Images, ImageClassProduct)
			return nil
		},
	)

	switch {
	case !contentOK:
		return &errors.PolicyViolationError{Reason: "content rejected"}
	case badImage >= 0:
		return &errors.PolicyViolationError{Reason: "image rejected", Details: map[string]any{"index": badImage}}
	}
	return nil
}

type imageSearchRequest struct {
	Image string `json:"image" binding:"required"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

type imageSearchResponse struct {
	Query    string   `json:"query"`
	Keywords []string `json:"keywords"`
	Results  any      `json:"results"`
}

func (s *Server) searchByImage(c *gin.Context) {
	var req imageSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "image is required")
		return
	}

	ctx := c.Request.Context()
	q, err := s.moderation.ExtractQuery(ctx, req.Image)
	if err != nil {
		fail(c, err)
		return
	}

	search := map[string]any{"query": q.Query, "keywords": q.Keywords}
	if req.Page > 0 {
		search["page"] = req.Page
	}
	if req.Limit > 0 {
		search["limit"] = req.Limit
	}
	payload, err := jsoncodec.Marshal(search)
	if err != nil {
		fail(c, err)
		return
	}
	reply, err := s.caller.Call(ctx, TopicSearch, payload, s.timeout)
	if err != nil {
		fail(c, err)
		return
	}

	var results any = []any{}
	if !jsoncodec.IsAbsent(reply) {
		if err := jsoncodec.Unmarshal(reply, &results); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, imageSearchResponse{Query: q.Query, Keywords: q.Keywords, Results: results})
}
