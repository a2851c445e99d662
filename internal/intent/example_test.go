package intent_test

import (
	"context"
	"fmt"

	"github.com/normanking/cortex-voicecore/internal/intent"
)

func ExampleClassifier_Classify() {
	c := intent.NewClassifier()

	for _, text := range []string{"Set a timer for 5 minutes", "Hello", "what about tomorrow"} {
		res := c.Classify(context.Background(), text)
		fmt.Printf("%s %s %.2f\n", res.Intent, res.Method, res.Confidence)
	}
	// Output:
	// timer.set pattern 0.95
	// smalltalk.greeting pattern 0.95
	// system.unknown none 0.00
}

func ExampleParseRemoteResponse() {
	res, err := intent.ParseRemoteResponse(`{"intent": "weather.current", "confidence": 0.9}`)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(res.Intent, res.Confidence)
	// Output: weather.current 0.9
}
