package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"hash"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/model"
)

// Key computes the cache key of a job's inputs. It depends only on the
// serialized document bytes, the weather input and the normalized options.
func Key(ctx context.Context, doc model.Document, weather model.WeatherRef, opts model.Options) (model.CacheKey, error) {
	if doc == nil {
		return model.CacheKey{}, errors.New("job has no document")
	}

	docDigest := sha256.New()
	if err := doc.Serialize(docDigest); err != nil {
		return model.CacheKey{}, errors.Wrap(err, "serialize document")
	}
	if err := ctx.Err(); err != nil {
		return model.CacheKey{}, err
	}

	h := sha256.New()
	writeSection(h, "algorithm", []byte(model.KeyAlgorithm))
	writeSection(h, "document", docDigest.Sum(nil))

	switch {
	case weather.IsLocal():
		sum, err := fileDigest(weather.Path)
		if err != nil {
			return model.CacheKey{}, err
		}
		writeSection(h, "weather-content", sum)
	case weather.URI != "":
		writeSection(h, "weather-ref", []byte(weather.URI))
	default:
		writeSection(h, "weather-none", nil)
	}

	for _, o := range normalizedOptions(opts) {
		writeSection(h, "option-name", []byte(o.name))
		writeSection(h, "option-value", []byte(o.value))
	}

	k := model.CacheKey{Algorithm: model.KeyAlgorithm}
	copy(k.Digest[:], h.Sum(nil))
	return k, nil
}

type option struct {
	name, value string
}

// normalizedOptions returns every option sorted by name. Flags that are not
// set appear with their default so an explicit default and an omitted one
// hash the same.
func normalizedOptions(opts model.Options) []option {
	out := []option{
		{"annual_only", strconv.FormatBool(opts.AnnualOnly)},
		{"design_day", strconv.FormatBool(opts.DesignDay)},
		{"engine_version", canonicalVersion(opts.EngineVersion)},
		{"expand_objects", strconv.FormatBool(opts.ExpandObjects)},
		{"read_vars", strconv.FormatBool(opts.ReadVars)},
	}
	for name, v := range opts.Extra {
		out = append(out, option{"extra." + name, canonicalValue(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// NormalizeOptions renders opts as sorted "name=value" pairs for display.
func NormalizeOptions(opts model.Options) []string {
	opt := normalizedOptions(opts)
	pairs := make([]string, len(opt))
	for i, o := range opt {
		pairs[i] = o.name + "=" + o.value
	}
	return pairs
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return parsed.String()
}

func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case string:
		s := strings.TrimSpace(x)
		switch strings.ToLower(s) {
		case "true", "false":
			return strings.ToLower(s)
		}
		return s
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return canonicalFloat(float64(x))
	case float64:
		return canonicalFloat(x)
	default:
		// encoding/json sorts map keys, which keeps nested values stable.
		b, err := json.Marshal(x)
		if err != nil {
			return "unencodable"
		}
		return string(b)
	}
}

func canonicalFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// writeSection appends a length-prefixed, named field so adjacent fields can
// never run into each other.
func writeSection(h hash.Hash, name string, value []byte) {
	var n [binary.MaxVarintLen64]byte
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(name)))])
	h.Write([]byte(name))
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(value)))])
	h.Write(value)
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open weather file")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.Wrap(err, "read weather file")
	}
	return h.Sum(nil), nil
}
