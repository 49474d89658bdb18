// Package options parses generic "key=value" options into configuration
// structs based on struct tags, and keeps a registry of the option namespaces
// of all backends.
package options

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strata-backup/strata/internal/errors"
)

// Options holds options in the form key=value.
type Options map[string]string

var opts []Help

// Register allows registering options so that they can be listed with List.
func Register(ns string, cfg interface{}) {
	opts = append(opts, listOptions(ns, cfg)...)
}

// List returns a list of all registered options (using Register()).
func List() (list []Help) {
	list = make([]Help, 0, len(opts))
	list = append(list, opts...)
	sort.Sort(helpList(list))
	return list
}

// Help contains information about an option.
type Help struct {
	Namespace string
	Name      string
	Text      string
	Type      string
}

type helpList []Help

func (h helpList) Len() int {
	return len(h)
}

func (h helpList) Less(i, j int) bool {
	if h[i].Namespace == h[j].Namespace {
		return h[i].Name < h[j].Name
	}
	return h[i].Namespace < h[j].Namespace
}

func (h helpList) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

// listOptions returns a list of options of cfg.
func listOptions(ns string, cfg interface{}) (opts []Help) {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)

		h := Help{
			Namespace: ns,
			Name:      f.Tag.Get("option"),
			Text:      f.Tag.Get("help"),
		}

		if h.Name == "" {
			continue
		}

		switch f.Type.Name() {
		case "bool":
			h.Type = "true|false"
		case "Duration":
			h.Type = "duration"
		case "SecretString", "string":
			h.Type = "string"
		case "int", "uint", "int64", "uint64":
			h.Type = "integer"
		default:
			h.Type = f.Type.Name()
		}

		opts = append(opts, h)
	}

	return opts
}

// Splice parses the strings in the list as "key=value" pairs.
func Splice(s []string) (Options, error) {
	opts := make(Options, len(s))
	for _, item := range s {
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid option %q, must be key=value", item)
		}
		opts[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return opts, nil
}

// Extract returns an Options list with all options that have the given
// namespace prefix removed and the prefix stripped.
func (o Options) Extract(ns string) Options {
	l := len(ns)
	if ns[l-1] != '.' {
		ns += "."
		l++
	}

	opts := make(Options)

	for k, v := range o {
		if !strings.HasPrefix(k, ns) {
			continue
		}

		opts[k[l:]] = v
	}

	return opts
}

// Apply sets the options on dst via reflection, using the struct tag `option`.
// The namespace argument (ns) is only used for error messages.
func (o Options) Apply(ns string, dst interface{}) error {
	v := reflect.ValueOf(dst).Elem()

	fields := make(map[string]reflect.StructField)

	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		tag := f.Tag.Get("option")

		if tag == "" {
			continue
		}

		if _, ok := fields[tag]; ok {
			panic("duplicate option tag " + tag)
		}

		fields[tag] = f
	}

	for key, value := range o {
		field, ok := fields[key]
		if !ok {
			if ns != "" {
				key = ns + "." + key
			}
			return errors.Errorf("option %v is not known", key)
		}

		i := field.Index[0]
		switch d := v.Field(i).Interface().(type) {
		case time.Duration:
			d, err := time.ParseDuration(value)
			if err != nil {
				return errors.Errorf("option %v: %v", key, err)
			}

			v.Field(i).SetInt(int64(d))
		case string:
			v.Field(i).SetString(value)
		case SecretString:
			v.Field(i).Set(reflect.ValueOf(NewSecretString(value)))
		case int:
			vi, err := strconv.ParseInt(value, 0, 32)
			if err != nil {
				return err
			}

			v.Field(i).SetInt(vi)
		case uint:
			vi, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return err
			}

			v.Field(i).SetUint(vi)
		case bool:
			vi, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}

			v.Field(i).SetBool(vi)
		default:
			panic("type " + reflect.TypeOf(d).Name() + " not handled")
		}
	}

	return nil
}
