package analyzer

import (
	"net/mail"
	"strings"
	"unicode"
)

var personalRoots = set("gmail", "googlemail", "outlook", "hotmail", "live", "msn", "yahoo", "icloud", "me", "aol", "protonmail", "proton")

// 代招聘公司发信的ATS和测评平台
var atsRoots = set("greenhouse", "greenhouse-mail", "lever", "hire", "workday", "myworkday", "myworkdayjobs",
	"ashbyhq", "icims", "smartrecruiters", "jobvite", "hackerrank", "codility", "codesignal", "hirevue",
	"recruitee", "teamtailor", "goodtime", "workable", "bamboohr", "successfactors", "taleo", "personio")

var genericSenderTokens = set("careers", "career", "recruiting", "recruitment", "recruiter", "talent", "acquisition",
	"hiring", "team", "jobs", "job", "hr", "people", "noreply", "no-reply", "no_reply", "donotreply",
	"do-not-reply", "notifications", "notification", "mailer", "info", "the", "via", "at")

var secondLevelSuffixes = set("co", "com", "ac", "or", "ne", "gov", "org")

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// 拆分发件人的显示名和地址
func parseSender(from string) (name, addr string) {
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.TrimSpace(a.Name), strings.ToLower(a.Address)
	}
	from = strings.TrimSpace(from)
	if i := strings.LastIndex(from, "<"); i >= 0 {
		return strings.Trim(strings.TrimSpace(from[:i]), `"`), strings.ToLower(strings.Trim(from[i:], "<> "))
	}
	if strings.Contains(from, "@") {
		return "", strings.ToLower(from)
	}
	return from, ""
}

func senderDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

// 提取域名主体: mail.acme.co.uk -> acme
func domainRoot(domain string) string {
	labels := strings.Split(strings.Trim(domain, "."), ".")
	if len(labels) < 2 {
		return domain
	}
	i := len(labels) - 2
	if len(labels) >= 3 && len(labels[len(labels)-1]) == 2 && secondLevelSuffixes[labels[i]] {
		i--
	}
	return labels[i]
}

func hasDomain(domain string, suffixes ...string) bool {
	for _, s := range suffixes {
		if domain == s || strings.HasSuffix(domain, "."+s) {
			return true
		}
	}
	return false
}

// 根据发件人推断公司名
// 优先使用显示名，其次是域名；个人邮箱和ATS平台返回空
func CompanyFromSender(from string) string {
	name, addr := parseSender(from)
	root := domainRoot(senderDomain(addr))
	if personalRoots[root] {
		return ""
	}

	if n := stripGenericTokens(name); n != "" && !personalRoots[strings.ToLower(n)] && !atsRoots[strings.ToLower(n)] {
		return CleanCompany(n)
	}
	if root == "" || personalRoots[root] || atsRoots[root] {
		return ""
	}
	return CleanCompany(titleWord(root))
}

func stripGenericTokens(name string) string {
	var kept []string
	for _, f := range strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '|' || r == ',' || r == '(' || r == ')'
	}) {
		tok := strings.ToLower(strings.Trim(f, "-:."))
		if genericSenderTokens[tok] || atsRoots[tok] {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Trim(strings.Join(kept, " "), " -:")
}

// 清理公司名中的空白和多余标点
func CleanCompany(s string) string {
	s = cleanText(s)
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '&' && r != ')'
	})
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
