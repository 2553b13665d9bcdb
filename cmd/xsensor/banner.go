package main

import "strings"

const bannerArt = `
 __  __ ___  ___  _ __  ___  ___  _ __
 \ \/ // __|/ _ \| '_ \/ __|/ _ \| '__|
  >  < \__ \  __/| | | \__ \ (_) | |
 /_/\_\|___/\___||_| |_|___/\___/|_|
`

// startupBanner is logged once when the middleware starts serving.
type startupBanner struct {
	version string
}

func (b startupBanner) JSON() string {
	return "xsensor " + b.version
}

func (b startupBanner) PlainText() string {
	var sb strings.Builder
	sb.WriteString(bannerArt)
	sb.WriteString(" version: ")
	sb.WriteString(b.version)
	return sb.String()
}
