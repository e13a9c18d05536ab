package main

import (
	"fmt"

	"github.com/sealedchat/conv-gateway/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
