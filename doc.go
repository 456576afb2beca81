// Package teststack provisions containerized services for integration tests and tears them down
// when the test binary exits.
//
// A Stack owns one container per Kind (a database engine, or a custom image) and shares it
// between every test that asks for it. Tests describe what they need as a list of Args and
// receive ready-to-use values:
//
//	var stack *teststack.Stack
//
//	func TestMain(m *testing.M) {
//		var err error
//		stack, err = teststack.NewDocker(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		os.Exit(stack.RunTestMain(m))
//	}
//
//	func TestUsers(t *testing.T) {
//		h := stack.Harness(teststack.ModeAsync)
//		teststack.Run2(t, h,
//			teststack.Database(teststack.Postgres, teststack.RandomName(), teststack.SQLDB),
//			teststack.Custom(teststack.Spec{Image: "redis:7", Ports: []teststack.Port{teststack.TCP(6379)}},
//				teststack.Address(teststack.TCP(6379))),
//			func(t *testing.T, db *sql.DB, redisAddr string) {
//				// ...
//			},
//		)
//	}
//
// Containers are removed when RunTestMain returns, or when the process receives SIGINT or
// SIGTERM, whichever happens first.
package teststack
