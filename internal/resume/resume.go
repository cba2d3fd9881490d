// Package resume serves prepared application context from the record store.
package resume

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/store"
)

// ErrInvalid reports a resume that cannot drive an application.
var ErrInvalid = errors.New("invalid resume")

// Provider loads and saves resumes in the resumes collection.
type Provider struct {
	store store.Store
}

// New returns a Provider over st.
func New(st store.Store) *Provider {
	return &Provider{store: st}
}

// Get loads a resume. Missing ids wrap jobs.ErrNotFound.
func (p *Provider) Get(ctx context.Context, id string) (jobs.Resume, error) {
	var r jobs.Resume
	if err := p.store.Get(ctx, store.CollectionResumes, id, &r); err != nil {
		return jobs.Resume{}, err
	}
	return r, nil
}

// Save validates and upserts a resume.
func (p *Provider) Save(ctx context.Context, r jobs.Resume) error {
	if err := Validate(r); err != nil {
		return err
	}
	return p.store.Save(ctx, store.CollectionResumes, r.ID, r)
}

// List returns every resume owned by owner, or all resumes when owner is empty.
func (p *Provider) List(ctx context.Context, owner string) ([]jobs.Resume, error) {
	var pred store.Predicate
	if owner != "" {
		pred = store.Field("owner", owner)
	}
	raws, err := p.store.Query(ctx, store.CollectionResumes, pred)
	if err != nil {
		return nil, err
	}
	return store.Decode[jobs.Resume](raws)
}

// Validate checks the fields every application needs.
func Validate(r jobs.Resume) error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case strings.TrimSpace(r.Contact.Email) == "":
		return fmt.Errorf("%w: contact email is required", ErrInvalid)
	case r.Contact.FullName() == "":
		return fmt.Errorf("%w: contact name is required", ErrInvalid)
	}
	return nil
}
