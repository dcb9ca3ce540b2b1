package config

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
)

// decodeHooks converts the raw strings of a Section into field types.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		boolDecodeHook(),
		listDecodeHook(),
	)
}

// durationDecodeHook accepts Go durations ("2s", "1m30s") and bare numbers,
// which are seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(n * float64(time.Second)), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// boolDecodeHook accepts yes/no and on/off besides strconv.ParseBool forms.
func boolDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to.Kind() != reflect.Bool || from.Kind() != reflect.String {
			return data, nil
		}

		switch strings.ToLower(strings.TrimSpace(data.(string))) {
		case "yes", "on":
			return true, nil
		case "no", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(data.(string)))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", data)
		}
		return b, nil
	}
}

// listDecodeHook splits comma-delimited strings into string slices.
func listDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}

		var out []string
		for _, item := range strings.Split(data.(string), ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}
}

func decodeInto(input map[string]string, target any) (*mapstructure.Metadata, error) {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHooks(),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           target,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	return &md, dec.Decode(input)
}

// decodeSection applies the struct's default tags, then decodes every
// recognized key of s into target. Keys that fail to decode become
// InvalidValue problems and keep their default; unknown keys become
// UnexpectedKey problems.
func decodeSection(s Section, target any, problems *problemList) {
	if err := defaults.Set(target); err != nil {
		problems.add(InvalidValue, "", "applying defaults: %v", err)
		return
	}

	valid := make(map[string]string, len(s))
	for _, key := range slices.Sorted(maps.Keys(s)) {
		value := strings.TrimSpace(s[key])

		scratch := reflect.New(reflect.TypeOf(target).Elem()).Interface()
		md, err := decodeInto(map[string]string{key: value}, scratch)
		switch {
		case err != nil:
			problems.add(InvalidValue, key, "%s", decodeMessage(err))
		case len(md.Unused) > 0:
			problems.add(UnexpectedKey, key, "not a recognized option")
		default:
			valid[key] = value
		}
	}

	if _, err := decodeInto(valid, target); err != nil {
		problems.add(InvalidValue, "", "%s", decodeMessage(err))
	}
}

// decodeMessage flattens a mapstructure error to its first cause.
func decodeMessage(err error) string {
	if merr, ok := err.(*mapstructure.Error); ok && len(merr.Errors) > 0 {
		return merr.Errors[0]
	}
	return err.Error()
}
