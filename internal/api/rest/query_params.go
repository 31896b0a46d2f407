package rest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/radiant-tcg/cardtrust/internal/domain"
	"github.com/radiant-tcg/cardtrust/internal/store"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// ListEventsQuery holds the parsed query parameters for GET /api/v1/events
type ListEventsQuery struct {
	ChipUID *string
	Device  *string
	Kind    *domain.EventKind
	Limit   int
	Offset  int
	Order   string
}

// ParseListEventsQuery parses and validates the events query string
func ParseListEventsQuery(c *gin.Context) (*ListEventsQuery, error) {
	params := &ListEventsQuery{
		Limit: defaultEventsLimit,
		Order: "desc",
	}

	if card := c.Query("card"); card != "" {
		uid := domain.NormalizeChipUID(card)
		if !uid.Valid() {
			return nil, fmt.Errorf("card must be a 14-20 character hex chip UID")
		}
		s := uid.String()
		params.ChipUID = &s
	}

	if device := c.Query("device"); device != "" {
		params.Device = &device
	}

	if kind := c.Query("kind"); kind != "" {
		k := domain.EventKind(kind)
		params.Kind = &k
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("limit must be a positive integer")
		}
		if n > maxEventsLimit {
			n = maxEventsLimit
		}
		params.Limit = n
	}

	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("offset must be a non-negative integer")
		}
		params.Offset = n
	}

	if order := c.Query("order"); order != "" {
		order = strings.ToLower(order)
		if order != "asc" && order != "desc" {
			return nil, fmt.Errorf("order must be asc or desc")
		}
		params.Order = order
	}

	return params, nil
}

// Filter converts the parsed query into a store filter
func (q *ListEventsQuery) Filter() store.EventFilter {
	return store.EventFilter{
		ChipUID: q.ChipUID,
		Device:  q.Device,
		Kind:    q.Kind,
		Limit:   q.Limit,
		Offset:  q.Offset,
		Order:   q.Order,
	}
}
