// echoline reflects every stdin line back to stdout unchanged, one write
// per line. It stands in for an MCP server when trying out mcptap by hand:
//
//	mcptap --proxy-port 8080 echoline
package main

import (
	"bufio"
	"io"
	"os"
)

func main() {
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := os.Stdout.Write(line); werr != nil {
				os.Exit(1)
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			os.Exit(1)
		}
	}
}
