package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Zolokon/business-planner-sub000/internal/business"
)

// ErrMissingBusiness is returned when an index operation has no business id
// in its context.
var ErrMissingBusiness = errors.New("business id missing from context")

type businessContextKey struct{}

// ContextWithBusiness scopes index operations on ctx to id.
func ContextWithBusiness(ctx context.Context, id business.ID) context.Context {
	return context.WithValue(ctx, businessContextKey{}, id)
}

// BusinessFromContext returns the business id stored by ContextWithBusiness.
// A missing or invalid id is an error.
func BusinessFromContext(ctx context.Context) (business.ID, error) {
	id, ok := ctx.Value(businessContextKey{}).(business.ID)
	if !ok {
		return 0, ErrMissingBusiness
	}
	if !id.Valid() {
		return 0, fmt.Errorf("%w: invalid business id %d", ErrMissingBusiness, id)
	}
	return id, nil
}

// IsolationMode decides how the context business restricts index access.
type IsolationMode interface {
	// InjectFilter merges the business restriction into filters.
	InjectFilter(ctx context.Context, filters map[string]string) (map[string]string, error)

	// InjectMetadata stamps the context business on p, refusing a point that
	// already names a different business.
	InjectMetadata(ctx context.Context, p *Point) error

	Mode() string
}

// PayloadIsolation keeps all businesses in one collection and filters on the
// business_id payload field.
type PayloadIsolation struct{}

// NewPayloadIsolation creates a new PayloadIsolation mode.
func NewPayloadIsolation() *PayloadIsolation {
	return &PayloadIsolation{}
}

// InjectFilter returns a copy of filters with business_id set from ctx. A
// caller-supplied business_id is overwritten.
func (PayloadIsolation) InjectFilter(ctx context.Context, filters map[string]string) (map[string]string, error) {
	id, err := BusinessFromContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(filters)+1)
	for k, v := range filters {
		out[k] = v
	}
	out[KeyBusinessID] = strconv.Itoa(int(id))
	return out, nil
}

func (PayloadIsolation) InjectMetadata(ctx context.Context, p *Point) error {
	id, err := BusinessFromContext(ctx)
	if err != nil {
		return err
	}
	if p.BusinessID == 0 {
		p.BusinessID = id
		return nil
	}
	return business.EnsureSame(id, p.BusinessID, "vectorstore.Upsert")
}

func (PayloadIsolation) Mode() string { return "payload" }
