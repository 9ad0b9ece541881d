package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	quiet      bool
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jnivm",
		Short: "Run ARM64 Android JNI libraries against an emulated Java VM",
		Long: `jnivm loads ARM64 Android native libraries into an emulator and serves
their JNI calls from a Go implementation of the JavaVM and JNIEnv interfaces.

The library is loaded through the system class loader exactly as
System.load would: JNI_OnLoad runs with a real JavaVM pointer, every
JNIEnv call is dispatched to the bridge and traced, and the version it
returns is validated.

Examples:
  jnivm load libnative.so              # Run JNI_OnLoad and print the call trace
  jnivm load libnative.so -n 200       # Also trace the first 200 instructions
  jnivm load libnative.so -q           # Summary only
  jnivm info libnative.so              # List JNI exports with Java names
  jnivm mangle com.example.Calc sum '(II)I'`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	rootCmd.AddCommand(newLoadCmd(), newInfoCmd(), newMangleCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
