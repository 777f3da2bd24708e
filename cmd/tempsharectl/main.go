// tempsharectl — командная строка оператора tempshare.
// Работает через admin API и требует токен со scope tempshare:admin.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}
