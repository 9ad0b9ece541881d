package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/jnivm/internal/nativelib"
)

func newMangleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mangle <class> <method> [descriptor]",
		Short: "Print the JNI symbols a native method is looked up under",
		Example: `  jnivm mangle com.example.Calc sum
  jnivm mangle com.example.Calc sum '(II)I'
  jnivm mangle Java_com_example_Calc_sum__II`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				sym, err := nativelib.Unmangle(args[0])
				if err != nil {
					return err
				}
				fmt.Println(sym)
				return nil
			}
			fmt.Println(nativelib.ShortName(args[0], args[1]))
			if len(args) == 3 {
				fmt.Println(nativelib.LongName(args[0], args[1], args[2]))
			}
			return nil
		},
	}
}
