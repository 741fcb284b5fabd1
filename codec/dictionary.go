package codec

import (
	"context"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/lxstreamer/avutil"
)

// DictionaryFromMap builds an astiav.Dictionary (used for demuxer/muxer
// private options, e.g. "rtsp_flags"="prefer_tcp") from a plain map. A nil
// or empty map yields a nil dictionary, matching astiav's "no options"
// convention.
func DictionaryFromMap(ctx context.Context, opts map[string]string) *astiav.Dictionary {
	if len(opts) == 0 {
		return nil
	}
	d := astiav.NewDictionary()
	avutil.SetFinalizerFree(ctx, d)
	for k, v := range opts {
		d.Set(k, v, 0)
	}
	return d
}
