package persona

const fence = "```"

func block(lang, body string) string {
	return fence + lang + "\n" + body + "\n" + fence
}

// Defaults returns the three stock personas in speaking order:
// design, implementation, optimisation.
func Defaults() []Persona {
	return []Persona{
		{
			ID:       "chatgpt",
			Name:     "ChatGPT",
			Role:     "design",
			Greeting: "Hello Claude! Let's collaborate on this project: {request}",
			Templates: []string{
				"I analysed the project \"{request}\".\n\n" +
					"Requirements:\n- Core feature: {request}\n- Suggested stack: Python for the prototype\n- Estimated effort: one to two weeks\n\n" +
					"Design direction:\n1. Keep the structure simple\n2. Leave room to extend\n3. Handle errors explicitly\n\n" +
					"Claude, could you take the implementation?",
				"Let me pin down the requirements for \"{request}\".\n\n" +
					"Functional:\n- Core domain logic\n- A small user interface\n- Data handling\n\n" +
					"Technical:\n- Language: Python\n- Storage: SQLite\n- Tests: unittest\n\n" +
					"Proposed layout:\n" + block("", "project/\n  main.py\n  core.py\n  tests/\n  README.md") + "\n\n" +
					"Claude, over to you.",
				"Reviewing the work so far on \"{request}\", the design holds up. " +
					"I would split persistence behind an interface so it can be swapped later. Gemini, anything to tune?",
			},
		},
		{
			ID:   "claude",
			Name: "Claude",
			Role: "implementation",
			Templates: []string{
				"Building on that design, here is a first implementation of \"{request}\".\n\n" +
					block("python", "# main.py\n"+
						"\"\"\"{request}: entry point.\"\"\"\n\n"+
						"from core import App\n\n\n"+
						"def main():\n"+
						"    app = App()\n"+
						"    app.run()\n\n\n"+
						"if __name__ == \"__main__\":\n"+
						"    main()") + "\n\n" +
					block("python", "# core.py\n"+
						"class App:\n"+
						"    def __init__(self):\n"+
						"        self.items = []\n\n"+
						"    def add(self, item):\n"+
						"        if not item:\n"+
						"            raise ValueError(\"item must not be empty\")\n"+
						"        self.items.append(item)\n\n"+
						"    def run(self):\n"+
						"        print(\"ready\")") + "\n\n" +
					"Gemini, please review and optimise.",
				"Here are tests for \"{request}\".\n\n" +
					block("python", "# tests/test_core.py\n"+
						"import unittest\n\n"+
						"from core import App\n\n\n"+
						"class TestApp(unittest.TestCase):\n"+
						"    def test_add(self):\n"+
						"        app = App()\n"+
						"        app.add(\"x\")\n"+
						"        self.assertEqual(app.items, [\"x\"])\n\n"+
						"    def test_add_empty(self):\n"+
						"        with self.assertRaises(ValueError):\n"+
						"            App().add(\"\")\n\n\n"+
						"if __name__ == \"__main__\":\n"+
						"    unittest.main()") + "\n\n" +
					"The suite covers the happy path and the empty input case.",
				"A small Go port of the core, in case \"{request}\" needs a static binary:\n\n" +
					block("go", "// core.go\n"+
						"package core\n\n"+
						"type App struct {{\n"+
						"\tItems []string\n"+
						"}}\n\n"+
						"func (a *App) Add(item string) {{\n"+
						"\ta.Items = append(a.Items, item)\n"+
						"}}"),
			},
		},
		{
			ID:   "gemini",
			Name: "Gemini",
			Role: "optimisation",
			Templates: []string{
				"I optimised Claude's implementation of \"{request}\".\n\n" +
					"Improvements:\n- Input validation at the boundary\n- Structured logging\n- Clear exit codes\n\n" +
					block("python", "# utils.py\n"+
						"import logging\n\n"+
						"logger = logging.getLogger(__name__)\n\n\n"+
						"def validate(text):\n"+
						"    if not text or not text.strip():\n"+
						"        logger.warning(\"empty input rejected\")\n"+
						"        return False\n"+
						"    return True") + "\n\n" +
					"ChatGPT, does this match the design?",
				"Final quality pass on \"{request}\".\n\n" +
					block("bash", "# run.sh\n"+
						"python -m unittest discover tests\n"+
						"python main.py") + "\n\n" +
					"Status:\n- Core: done\n- Tests: passing\n- Docs: README pending",
				"Everything for \"{request}\" is in place. I have nothing further to optimise this round.",
			},
		},
	}
}
