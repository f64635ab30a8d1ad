package scrape

// HeaderProfile is a coherent browser header set applied to outgoing
// fetches so origins see a normal client rather than a bare Go UA.
type HeaderProfile struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
}

var defaultProfiles = []HeaderProfile{
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
	},
}

// profileFor picks a stable profile per host so repeated fetches to the
// same origin present consistent headers.
func profileFor(host string) HeaderProfile {
	if len(defaultProfiles) == 0 {
		return HeaderProfile{}
	}
	var sum int
	for _, c := range host {
		sum += int(c)
	}
	return defaultProfiles[sum%len(defaultProfiles)]
}
