package cmd

import (
	"fmt"
)

const banner = `
   _____ _           _                     _ _   _
  / ____| |         (_)                   (_) | | |
 | |    | |__   __ _ _ _ __  ___ _ __ ___  _| |_| |__
 | |    | '_ \ / _` + "`" + ` | | '_ \/ __| '_ ` + "`" + ` _ \| | __| '_ \
 | |____| | | | (_| | | | | \__ \ | | | | | | |_| | | |
  \_____|_| |_|\__,_|_|_| |_|___/_| |_| |_|_|\__|_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Private Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
