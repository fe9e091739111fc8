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

// Package diags is a virtual dataset layer for atmospheric CO2 transport
// model diagnostics.
//
// Files from a data source are described by an Adapter and indexed by a
// Scanner into a persistent manifest. The coordinate extents of the
// variables in the manifest are represented as Domains, which are reduced
// to a small covering set by PrimeDomains, MergeAllDomains and
// CleanupSubdomains. FromFiles wraps each covering domain in a Dataset of
// lazily evaluated variables, which read only the files needed to answer
// each request.
package diags

// Version gives the version number.
const Version = "1.0.0"
