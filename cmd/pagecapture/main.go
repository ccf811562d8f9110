package main

import "github.com/audiolibrelab/pagecapture/cmd"

func main() {
	cmd.Execute()
}
