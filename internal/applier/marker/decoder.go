// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package marker

import (
	"bufio"
	"io"

	log "github.com/sirupsen/logrus"
)

// maxLineLength bounds a single marker record. The chunkSize the
// operator configures is only a hint to the master; a defensive local
// cap keeps a misbehaving master from making the decoder buffer
// unboundedly.
const maxLineLength = 16 << 20 // 16 MiB

// truncatedDetailLength is how much of an offending line is retained in
// error messages and logs.
const truncatedDetailLength = 256

// Decoder reads newline-delimited Marker records from a follow-log
// response body. A line shorter than two bytes terminates the batch,
// matching the sentinel the master appends after its last record.
type Decoder struct {
	scanner *bufio.Scanner

	// IgnoreErrors is the budget of malformed lines that may be
	// skipped (with a warning) rather than treated as a fatal
	// InvalidResponse. It is decremented by Next on each skip.
	IgnoreErrors int
}

// NewDecoder wraps r. The caller owns closing r once decoding is done.
func NewDecoder(r io.Reader, ignoreErrors int) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	return &Decoder{scanner: s, IgnoreErrors: ignoreErrors}
}

// Next returns the next Marker in the stream. It returns io.EOF once
// the batch sentinel (a line shorter than two bytes) is reached or the
// underlying reader is exhausted.
func (d *Decoder) Next() (Marker, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return Marker{}, err
			}
			return Marker{}, io.EOF
		}

		line := d.scanner.Bytes()
		if len(line) < 2 {
			return Marker{}, io.EOF
		}

		m, err := Decode(line)
		if err == nil {
			return m, nil
		}

		if d.IgnoreErrors > 0 {
			d.IgnoreErrors--
			log.WithError(err).Warnf("skipping malformed marker: %s", truncate(line))
			continue
		}
		return Marker{}, err
	}
}

func truncate(line []byte) string {
	if len(line) <= truncatedDetailLength {
		return string(line)
	}
	return string(line[:truncatedDetailLength])
}
