/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ingest

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// newHash returns a new hash that is used for detecting byte-identical
// photos. Do not change the hash while any fingerprints persisted with the
// old one remain, or duplicate detection silently stops matching them.
func newHash() hash.Hash { return blake3.New() }

// FingerprintLength is the length of the hex string fingerprint returns.
const FingerprintLength = 64 // 256-bit digest, hex-encoded

// fingerprint digests the full contents of r and returns the lowercase hex
// digest. It reports read errors instead of guessing: a caller that cannot
// fingerprint a file simply proceeds without duplicate detection for it.
func fingerprint(r io.Reader) (string, error) {
	h := newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
