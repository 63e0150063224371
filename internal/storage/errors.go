package storage

import "errors"

// ErrNoPrice is returned when no non-null price was ever logged for an instrument
var ErrNoPrice = errors.New("no price logged")

// ErrUnknownUnderlying is returned when a symbol or id is not in the registry
var ErrUnknownUnderlying = errors.New("unknown underlying")

// ErrUnknownOption is returned when an option's contract id was never logged
var ErrUnknownOption = errors.New("unknown option")
