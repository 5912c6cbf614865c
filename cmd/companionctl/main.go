// Command companionctl issues companion calls from the command line.
package main

func main() {
	Execute()
}
