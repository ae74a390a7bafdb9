package compile

import "regexp"

// Constructs the regex stripper cannot lower. Sources using any of these get
// routed to esbuild unconditionally.
var (
	enumRe      = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?(?:const\s+)?enum\s+[A-Za-z_$]`)
	decoratorRe = regexp.MustCompile(`(?m)^\s*@[A-Za-z_$][\w$]*(?:\([^)]*\))?\s*$|(?m)^\s*@[A-Za-z_$][\w$]*\s+(?:export\s+)?(?:abstract\s+)?class\b`)
	namespaceRe = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:declare\s+)?namespace\s+[A-Za-z_$]|(?m)^\s*(?:export\s+)?(?:declare\s+)?module\s+[A-Za-z_$"']`)
	ctorPropsRe = regexp.MustCompile(`(?s)constructor\s*\([^)]*?\b(?:public|private|protected|readonly)\b`)
	jsxTagRe    = regexp.MustCompile(`(?m)(?:^|[(,=?:&|{\s])<[A-Z][\w.]*(?:\s[^<>]*)?/?>`)
	jsxFragRe   = regexp.MustCompile(`(?m)(?:^|[(,=\s])<>`)
)

// NeedsFullCompilation reports whether source uses TypeScript features that
// generate runtime code (enums, decorators, namespaces, constructor parameter
// properties) or JSX. Interfaces, type aliases, annotations, and abstract
// classes are erasable and do not count.
func NeedsFullCompilation(source string) bool {
	if enumRe.MatchString(source) {
		return true
	}
	if decoratorRe.MatchString(source) {
		return true
	}
	if namespaceRe.MatchString(source) {
		return true
	}
	if ctorPropsRe.MatchString(source) {
		return true
	}
	if jsxTagRe.MatchString(source) || jsxFragRe.MatchString(source) {
		return true
	}
	return false
}
