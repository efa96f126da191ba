package catalog

import "errors"

// ErrCatalogInvalid marks a fatal startup error: a missing catalog file, a
// malformed document, or a duplicate mapping key (exit code 2).
var ErrCatalogInvalid = errors.New("catalog invalid")

// ErrCatalogReference marks a fatal startup error where the two catalogs
// disagree: the mapping catalog names an object the device catalog never
// subscribes anyone to (exit code 3).
var ErrCatalogReference = errors.New("catalog reference error")
