/*
 * Copyright (c) 2024 The dropcoord developers
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// dropcoord coordinates limited-inventory product drops. A drop opens a
// registration window, draws winners with a verifiable weighted lottery,
// and hands each winner a short purchase window backed by a single-use
// HMAC token. Losers earn rollover credit toward future drops.
//
// The lottery is a commit-reveal scheme: the seed commitment is
// published when the drop is created, and the seed plus a Merkle root
// over the canonical entry list is published after the draw. Anyone can
// re-run the draw from the proof and verify their own inclusion:
//
//	Fetch the draw proof:
//	  curl http://localhost:8000/api/v1/drops/<dropId>/proof
//
//	Fetch an inclusion proof for one entry:
//	  curl http://localhost:8000/api/v1/drops/<dropId>/proof/<userId>
//
// High-demand drops can additionally require an admission queue token
// and a proof-of-work challenge at registration; see the queueenabled
// and powdifficulty options.
//
// All state lives in a single bolt database under --datadir; deleting
// it resets the daemon completely.
package main
