// Copyright (c) 2026 John Earle
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

package mail

import (
	"regexp"
	"strings"

	"github.com/leonie/brokerflow/internal/models"
)

// forwardHeaderPatterns match the sender line of a forwarded message in the
// Gmail and Outlook clients, French and English.
var forwardHeaderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*>?\s*De\s*:\s*(?:[^<\n]*<)?([^\s<>"'()]+@[^\s<>"'()]+\.[a-z]{2,})`),
	regexp.MustCompile(`(?im)^\s*>?\s*From\s*:\s*(?:[^<\n]*<)?([^\s<>"'()]+@[^\s<>"'()]+\.[a-z]{2,})`),
	regexp.MustCompile(`(?im)^\s*>?\s*Exp[ée]diteur\s*:\s*(?:[^<\n]*<)?([^\s<>"'()]+@[^\s<>"'()]+\.[a-z]{2,})`),
}

var (
	bracketedAddress = regexp.MustCompile(`<([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>`)
	bareAddress      = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
)

// ExtractAddresses returns the email addresses found in a message body, in
// order of reliability: forwarded-header sender lines first, then
// bracketed addresses, then any bare address. Results are lowercased,
// deduplicated and never include an address from exclude.
func ExtractAddresses(body string, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[models.NormalizeAddress(e)] = true
	}

	var out []string
	seen := make(map[string]bool)
	add := func(addr string) {
		addr = models.NormalizeAddress(strings.Trim(addr, `<>"'().,;:`))
		if addr == "" || seen[addr] || skip[addr] || !strings.Contains(addr, "@") {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	for _, re := range forwardHeaderPatterns {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			add(m[1])
		}
	}
	for _, m := range bracketedAddress.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range bareAddress.FindAllString(body, -1) {
		add(m)
	}
	return out
}

// ForwardedSenders returns only the addresses found on forwarded-header
// sender lines.
func ForwardedSenders(body string, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[models.NormalizeAddress(e)] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, re := range forwardHeaderPatterns {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			addr := models.NormalizeAddress(m[1])
			if !seen[addr] && !skip[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}
