// Package starter holds the fixed file set seeded into every round-1
// repository, so the generation agent always operates on a non-empty tree
// with a working Pages deployment in place. The data is read-only shared.
package starter

import (
	"fmt"
	"strings"
)

// WorkflowPath is where the Pages deploy automation lives in the repo.
const WorkflowPath = ".github/workflows/pages.yml"

// Files returns path -> content for the seed set, with the README generated
// from the brief and checks.
func Files(brief string, checks []string) map[string]string {
	return map[string]string{
		"index.html": indexHTML(brief),
		"style.css":  styleCSS,
		"script.js":  scriptJS(brief),
		"README.md":  readme(brief, checks),
		"LICENSE":    mitLicense,
		WorkflowPath: pagesWorkflow,
	}
}

func indexHTML(brief string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Generated Web App</title>
    <link rel="stylesheet" href="style.css">
</head>
<body>
    <div class="container">
        <h1>Generated Web Application</h1>
        <p>Brief: %s</p>
        <div id="app-content"></div>
    </div>
    <script src="script.js"></script>
</body>
</html>
`, brief)
}

func scriptJS(brief string) string {
	return fmt.Sprintf(`// Generated JavaScript for: %s
document.addEventListener('DOMContentLoaded', function() {
    const urlParams = new URLSearchParams(window.location.search);
    const url = urlParams.get('url');
    if (url) {
        handleUrlParameter(url);
    } else {
        handleDefault();
    }
});

function handleUrlParameter(url) {
    console.log('Processing URL:', url);
}

function handleDefault() {
    console.log('Using default behavior');
}
`, brief)
}

const styleCSS = `body {
    font-family: Arial, sans-serif;
    margin: 0;
    padding: 20px;
    background-color: #f5f5f5;
}

.container {
    max-width: 800px;
    margin: 0 auto;
    background: white;
    padding: 20px;
    border-radius: 8px;
    box-shadow: 0 2px 10px rgba(0,0,0,0.1);
}

h1 {
    color: #333;
    text-align: center;
}

#app-content {
    margin-top: 20px;
    padding: 20px;
    border: 1px solid #ddd;
    border-radius: 4px;
}
`

func readme(brief string, checks []string) string {
	var b strings.Builder
	b.WriteString("# Generated Web Application\n\n")
	b.WriteString("## Description\n")
	b.WriteString(brief)
	b.WriteString("\n\n## Requirements\n")
	for _, check := range checks {
		b.WriteString("- ")
		b.WriteString(check)
		b.WriteString("\n")
	}
	b.WriteString("\n## License\nMIT License - see LICENSE file for details\n")
	return b.String()
}

const mitLicense = `MIT License

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`

const pagesWorkflow = `name: Deploy to GitHub Pages

on:
  push:
    branches: [main]
  workflow_dispatch:

permissions:
  contents: read
  pages: write
  id-token: write

concurrency:
  group: pages
  cancel-in-progress: true

jobs:
  deploy:
    environment:
      name: github-pages
      url: ${{ steps.deployment.outputs.page_url }}
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - uses: actions/configure-pages@v5
      - uses: actions/upload-pages-artifact@v3
        with:
          path: .
      - id: deployment
        uses: actions/deploy-pages@v4
`
