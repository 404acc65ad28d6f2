// Package flagx splits command lines that several flag sets read in turn:
// the JSON config lookup, the server's own flags and the command words of
// ankisyncctl.
package flagx

import (
	"flag"
	"os"
	"strings"
)

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// flagName returns the name of a flag argument and whether its value is
// inline ("-c=conf.json"). Non-flags yield "".
func flagName(arg string) (name string, inline bool) {
	if !strings.HasPrefix(arg, "-") {
		return "", false
	}
	if i := strings.IndexByte(arg, '='); i >= 0 {
		return arg[:i], true
	}
	return arg, false
}

// FilterArgs keeps the flags named in allowed, each with its value, in the
// order they appear. A value is either inline after '=' or the next
// argument, unless that argument itself starts with '-'.
func FilterArgs(args []string, allowed []string) []string {
	keep := nameSet(allowed)
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		name, inline := flagName(args[i])
		if _, ok := keep[name]; name == "" || !ok {
			continue
		}
		out = append(out, args[i])
		if !inline && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			out = append(out, args[i+1])
			i++
		}
	}
	return out
}

// JsonConfigFlags returns the path given with -c or -config, or "" when
// neither is present. The last occurrence wins.
func JsonConfigFlags() string {
	var path string

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(os.Args[1:], []string{"-c", "-config"}))

	return path
}

// Positional returns the arguments that are neither flags nor the values of
// flags listed in valueFlags, so that
//
//	ankisyncctl -c conf.json adduser alice
//
// yields the command words "adduser", "alice".
func Positional(args []string, valueFlags []string) []string {
	takesValue := nameSet(valueFlags)
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		name, inline := flagName(args[i])
		switch {
		case name == "" || name == "-":
			out = append(out, args[i])
		case inline:
		default:
			if _, ok := takesValue[name]; ok && i+1 < len(args) {
				i++
			}
		}
	}
	return out
}
