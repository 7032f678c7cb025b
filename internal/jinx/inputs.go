package jinx

import (
	"fmt"
	"strings"
)

// ExtractInputs maps raw CLI arguments onto the jinx's declared inputs.
// Each input answers to a long flag (--name) and a short flag built
// from its first letter. Leftover positional arguments are joined into
// the first input. Inputs still unset fall back to their declared
// default; an input with no default is an error when any arguments were
// given, and nil when the call was completely bare.
func ExtractInputs(args []string, j *Jinx) (map[string]any, error) {
	inputs := make(map[string]any)

	flags := make(map[string]string)
	for _, in := range j.Inputs {
		if in.Name == "" {
			continue
		}
		flags["--"+in.Name] = in.Name
		// On a first-letter collision the earlier declaration keeps the
		// short flag.
		if short := "-" + in.Name[:1]; flags[short] == "" {
			flags[short] = in.Name
		}
	}

	used := make(map[int]bool)
	for i := 0; i < len(args); i++ {
		name, ok := flags[args[i]]
		if !ok {
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag %s is missing a value", args[i])
		}
		inputs[name] = args[i+1]
		used[i] = true
		used[i+1] = true
		i++
	}

	var leftover []string
	for i, arg := range args {
		if !used[i] {
			leftover = append(leftover, arg)
		}
	}
	if len(leftover) > 0 && len(j.Inputs) > 0 {
		first := j.Inputs[0].Name
		if _, set := inputs[first]; !set {
			inputs[first] = strings.Join(leftover, " ")
		}
	}

	for _, in := range j.Inputs {
		if _, set := inputs[in.Name]; set {
			continue
		}
		if in.HasDefault {
			inputs[in.Name] = in.Default
			continue
		}
		if len(args) > 0 {
			return nil, fmt.Errorf("missing required input: %s", in.Name)
		}
		inputs[in.Name] = nil
	}

	return inputs, nil
}
