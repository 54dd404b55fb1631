// Package timing assigns a target send time, in microseconds on a
// monotonic producer timeline, to each ring item (spec §4.3).
package timing

import "github.com/snapetech/tswrite/internal/ring"

// Clock assigns a target timestamp to one ring item's worth of bytes,
// scanning the item's packet metadata for PCR information where relevant.
// It reports discontinuity when the consumer should re-anchor its wall
// clock (spec §4.5 step 3).
type Clock interface {
	NextTime(itemBytes int, metas []ring.PacketMeta) (targetUS int64, discontinuity bool)
}
