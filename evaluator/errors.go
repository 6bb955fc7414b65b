// Copyright (C) 2026 Statekit Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import "errors"

// Sentinel errors for evaluation.
var (
	// ErrInvalidTarget is returned when Evaluate is given a value that is
	// neither a keypath.Path nor a *getter.Getter. The cache is left
	// untouched.
	ErrInvalidTarget = errors.New("evaluate target is neither a key path nor a getter")
)
