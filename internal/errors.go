package internal

import "errors"

var ErrInvalidURL = errors.New("invalid url")
var ErrCodeSpaceExhausted = errors.New("could not generate a unique short code")
var ErrLinkNotFound = errors.New("link not found")
