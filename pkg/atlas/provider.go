// Package atlas defines the contract of the parcellation query collaborator
// and an adapter that talks to it as an external command.
package atlas

import (
	"context"
	"errors"
	"fmt"

	"mriwarp/internal/models"
)

// ErrOutOfDomain is returned when a point lies outside the volume the
// parcellation can index.
var ErrOutOfDomain = errors.New("point outside reference space")

// Query selects one probabilistic assignment
type Query struct {
	Parcellation string
	Space        string
	MapType      models.MapType

	// Point in reference space, RAS millimetres
	Point models.Vec3

	// SigmaMM is the uncertainty radius; 0 is a point query
	SigmaMM float64
}

func (q Query) String() string {
	return fmt.Sprintf("%s/%s (%s) at %s, sigma %.2f mm", q.Space, q.Parcellation, q.MapType, q.Point, q.SigmaMM)
}

// Provider answers parcellation queries. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Parcellations lists the parcellations with statistical maps in space
	Parcellations(ctx context.Context, space string) ([]string, error)

	// Assign scores every region against the query. A point the parcellation
	// cannot index yields ErrOutOfDomain.
	Assign(ctx context.Context, q Query) (models.AssignmentTable, error)
}

// LinkResolver builds cross-reference links for regions
type LinkResolver interface {
	Link(atlas, space, parcellation, region string) (string, error)
}
