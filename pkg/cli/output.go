package cli

import (
	"encoding/json"
	"fmt"
	"os"
)

// outputJSON controls whether commands should output JSON instead of styled text
var outputJSON bool

// SetJSONOutput sets the JSON output mode
func SetJSONOutput(enabled bool) {
	outputJSON = enabled
}

// PrintJSON outputs data as JSON if JSON mode is enabled, returns true if it did
func PrintJSON(data interface{}) bool {
	if !outputJSON {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
	return true
}

// PrintSuccess prints a success message with a green checkmark
func PrintSuccess(msg string) {
	fmt.Printf("  %s %s\n", SuccessStyle.Render(SymbolSuccess), msg)
}

// PrintErrorMsg prints an error message with a red cross
func PrintErrorMsg(msg string) {
	fmt.Printf("  %s %s\n", ErrorStyle.Render(SymbolError), msg)
}

// PrintWarning prints a warning message
func PrintWarning(msg string) {
	fmt.Printf("  %s %s\n", WarningStyle.Render(SymbolWarning), msg)
}

// PrintKeyValue prints an aligned key-value line
func PrintKeyValue(key, value string) {
	fmt.Printf("    %s %s\n", KeyStyle.Render(fmt.Sprintf("%-18s", key+":")), value)
}

// PrintHint prints a dimmed hint line
func PrintHint(msg string) {
	fmt.Printf("  %s\n", DimStyle.Render(msg))
}
