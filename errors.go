/*
Copyright © 2019 the EC-CAS diagnostics authors.
This file is part of EC-CAS-diags.

EC-CAS-diags is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EC-CAS-diags is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EC-CAS-diags.  If not, see <http://www.gnu.org/licenses/>.
*/

package diags

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an unknown adapter, a missing directory or a
// file pattern without matches.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "diags: configuration: " + e.Msg
}

// UnsupportedIndexingError is returned when a read would require
// non-monotonic (advanced) index reordering on more than one axis.
type UnsupportedIndexingError struct {
	Var  string
	Axes []string
}

func (e *UnsupportedIndexingError) Error() string {
	return fmt.Sprintf("diags: reading %s would require advanced indexing along more than one axis (%s)",
		e.Var, strings.Join(e.Axes, ", "))
}

// OverlapError is returned under the RejectOverlap policy when two source
// files supply the same output position.
type OverlapError struct {
	Var           string
	First, Second string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("diags: %s: files %s and %s overlap", e.Var, e.First, e.Second)
}

// DataGapWarning describes output positions that no source file covers.
// It is logged, never returned.
type DataGapWarning struct {
	Var            string
	Missing, Total int
}

func (w *DataGapWarning) Error() string {
	return fmt.Sprintf("diags: %s: no source data for %d of %d values", w.Var, w.Missing, w.Total)
}
