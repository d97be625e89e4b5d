package main

import "github.com/jmehdipour/notification-relay/cmd"

func main() {
	cmd.Execute()
}
