package atlas

import (
	"errors"
	"net/url"
	"strings"
)

// ExplorerLinks fills a URL template with the escaped atlas, space,
// parcellation and region names. Recognised fields are {atlas}, {space},
// {parcellation} and {region}.
type ExplorerLinks struct {
	Template string
}

// Link implements LinkResolver
func (e ExplorerLinks) Link(atlas, space, parcellation, region string) (string, error) {
	if e.Template == "" {
		return "", errors.New("no explorer link template configured")
	}
	r := strings.NewReplacer(
		"{atlas}", url.PathEscape(atlas),
		"{space}", url.PathEscape(space),
		"{parcellation}", url.PathEscape(parcellation),
		"{region}", url.PathEscape(region),
	)
	return r.Replace(e.Template), nil
}
