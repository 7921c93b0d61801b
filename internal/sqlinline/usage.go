package sqlinline

const QInsertUsageEvent = `--sql c7a15d92-68e4-4bf0-8d36-51f9ab20c4e7
insert into usage_events(id, user_id, job_id, event_type, success, latency_ms, created_at, properties)
values (gen_random_uuid(), $1::uuid, $2::uuid, $3::text, $4::boolean, $5::int, now(), coalesce($6::jsonb, '{}'::jsonb));
`
