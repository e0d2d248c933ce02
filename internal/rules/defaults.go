package rules

// ContextProgramming scopes entries that only make sense in code-related prompts.
const ContextProgramming = "programming"

// DefaultInstructions returns the built-in phrase rules and dictionaries.
// They are compiled before any custom instructions, so custom documents
// can override individual words.
func DefaultInstructions() Instructions {
	return Instructions{
		Rules: []Rule{
			{Pattern: "Write a function", Replacement: "WF:"},
			{Pattern: "Implement a function", Replacement: "IF:"},
			{Pattern: "Create a class", Replacement: "CC:"},
			{Pattern: "Design a", Replacement: "D:"},
			{Pattern: "Explain how", Replacement: "EH:"},
			{Pattern: "What is", Replacement: "WI:"},
			{Pattern: "How do I", Replacement: "HDI:"},
		},
		Dictionaries: []Dictionary{
			{
				Name:    "languages",
				Context: ContextProgramming,
				Entries: map[string]string{
					"Python":     "PY",
					"JavaScript": "JS",
					"TypeScript": "TS",
					"Java":       "JV",
					"C++":        "CPP",
					"C#":         "CS",
					"Go":         "GO",
					"Rust":       "RS",
				},
			},
			{
				Name: "concepts",
				Entries: map[string]string{
					"algorithm":      "algo",
					"function":       "fn",
					"variable":       "var",
					"class":          "cls",
					"object":         "obj",
					"method":         "mth",
					"interface":      "iface",
					"implementation": "impl",
					"database":       "db",
					"asynchronous":   "async",
					"synchronous":    "sync",
					"framework":      "fwk",
					"library":        "lib",
					"utility":        "util",
					"directory":      "dir",
					"repository":     "repo",
					"configuration":  "cfg",
					"development":    "dev",
					"production":     "prod",
					"environment":    "env",
					"application":    "app",
					"optimization":   "opt",
					"performance":    "perf",
					"documentation":  "docs",
					"attribute":      "attr",
					"parameter":      "param",
					"argument":       "arg",
				},
			},
			{
				Name: "verbs",
				Entries: map[string]string{
					"Summarize": "SUM:",
					"Translate": "TR:",
					"Compare":   "CMP:",
					"Analyze":   "ANL:",
					"Critique":  "CRT:",
					"Evaluate":  "EVAL:",
					"Generate":  "GEN:",
				},
			},
		},
	}
}
