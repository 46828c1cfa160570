package util

/*
rxspeed — link quality measurement tool in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"net/url"
	"strings"
	"time"
)

// maxFilenameLength keeps generated names well below common filesystem limits.
const maxFilenameLength = 100

// SanitizeFilename maps characters that are unsafe in file names to underscores,
// trims surrounding underscores and dots, and caps the length.
func SanitizeFilename(input string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\t', '\n':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, input)
	replaced = strings.Trim(replaced, "_.")
	if len(replaced) > maxFilenameLength {
		replaced = replaced[:maxFilenameLength]
	}
	if replaced == "" {
		return "unnamed"
	}
	return replaced
}

// TraceFilename builds the default trace file name for a run against target, e.g.
// "rxspeed_example.com_8080_20250102T150405Z.csv". The host is used when target
// parses as a URL; compressed appends ".gz".
func TraceFilename(target string, at time.Time, compressed bool) string {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	name := "rxspeed_" + SanitizeFilename(host) + "_" + at.UTC().Format("20060102T150405Z") + ".csv"
	if compressed {
		name += ".gz"
	}
	return name
}
